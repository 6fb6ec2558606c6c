package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/starkforge/starkpool/pool/coordinator"
	"github.com/starkforge/starkpool/pool/metrics"
	"github.com/starkforge/starkpool/pool/middleware"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/validation"
)

// Config holds stratum server configuration
type Config struct {
	ListenAddr     string
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int

	// Abuse guards. MaxConnsPerIP and MaxConns cap concurrent
	// connections, SubmitRate/SubmitBurst bound per-IP share
	// submissions, and BanThreshold proof failures inside banWindow
	// get an IP banned for banDuration.
	MaxConnsPerIP int
	MaxConns      int
	SubmitRate    float64
	SubmitBurst   int
	BanThreshold  int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:3333",
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		SendQueueSize:  100,
		MaxConnsPerIP:  32,
		MaxConns:       4096,
		SubmitRate:     20,
		SubmitBurst:    60,
		BanThreshold:   50,
		Logger:         slog.Default(),
	}
}

const (
	banWindow   = 15 * time.Minute
	banDuration = time.Hour
)

// Server accepts miner WebSocket connections and serves the pool's HTTP
// surface (stats, per-miner stats, metrics) on the same port.
type Server struct {
	cfg         Config
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	validator   *validation.Validator

	connLimiter *middleware.ConnectionLimiter
	rateLimiter *middleware.RateLimiter
	banList     *middleware.IPBanList
	shareGuard  *middleware.ShareGuard

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a stratum server in front of the coordinator
func NewServer(cfg Config, coord *coordinator.Coordinator) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 100
	}
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = 32
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4096
	}
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = 20
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 60
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	banList := middleware.NewIPBanList(cfg.Logger)

	return &Server{
		cfg:         cfg,
		coordinator: coord,
		logger:      cfg.Logger.With("component", "stratum"),
		metrics:     cfg.Metrics,
		validator:   validation.NewValidator(),
		connLimiter: middleware.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConns, cfg.Logger),
		rateLimiter: middleware.NewRateLimiter(cfg.SubmitRate, cfg.SubmitBurst, cfg.Logger),
		banList:     banList,
		shareGuard:  middleware.NewShareGuard(cfg.BanThreshold, banWindow, banDuration, banList, cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listener and begins serving. Returns an error if the
// address cannot be bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/api/stats/", s.handleMinerStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Stratum server error", "error", err)
		}
	}()

	s.logger.Info("Stratum server started", "addr", listener.Addr().String())
	return nil
}

// Stop closes all sessions, then shuts the HTTP listener down with a
// short grace period.
func (s *Server) Stop() {
	s.logger.Info("Stopping stratum server")
	s.cancel()

	s.sessionsMu.Lock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.sessionsMu.Unlock()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("Stratum shutdown timed out", "error", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("Stratum server stopped")
}

// Running reports whether the server is accepting connections
func (s *Server) Running() bool {
	return s.listener != nil && s.ctx.Err() == nil
}

// Addr returns the bound listen address, usable once Start has returned
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// SessionCount returns the number of connected sessions
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// BroadcastJob enqueues a mining.notify onto every authorized session.
// Full queues are logged by the session and never block other deliveries.
func (s *Server) BroadcastJob(job *store.JobTemplate) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	sent := 0
	for _, session := range s.sessions {
		if session.SendJob(job) {
			sent++
		}
	}
	if sent > 0 {
		s.logger.Info("Broadcast job", "job_id", job.ID, "miners", sent)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ip := middleware.ClientIP(r.RemoteAddr)
	if banned, reason := s.banList.IsBanned(ip); banned {
		s.logger.Warn("Rejected banned IP", "ip", ip, "reason", reason)
		http.Error(w, "banned", http.StatusForbidden)
		return
	}
	if !s.connLimiter.Acquire(ip) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connLimiter.Release(ip)
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	session := NewSession(uuid.New().String(), conn, s)

	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnection()
	}
	s.logger.Info("New miner connection", "session", session.ID, "addr", session.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.writePump()
	}()
	session.readPump()
}

// removeSession tears a session down after its read pump exits
func (s *Server) removeSession(session *Session) {
	s.sessionsMu.Lock()
	_, known := s.sessions[session.ID]
	delete(s.sessions, session.ID)
	s.sessionsMu.Unlock()
	if !known {
		return
	}

	session.Close()
	s.connLimiter.Release(middleware.ClientIP(session.RemoteAddr))
	if s.metrics != nil {
		s.metrics.RecordDisconnection()
	}

	if addr := session.Address(); addr != "" {
		if err := s.coordinator.UnregisterMiner(context.Background(), addr); err != nil {
			s.logger.Error("Failed to unregister miner", "address", addr, "error", err)
		}
	}

	s.logger.Info("Miner disconnected",
		"session", session.ID,
		"worker", session.WorkerName(),
		"accepted", session.sharesAccepted.Load(),
		"rejected", session.sharesRejected.Load(),
	)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coordinator.PoolStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMinerStats(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimPrefix(r.URL.Path, "/api/stats/")
	if address == "" || strings.Contains(address, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.validator.ValidateAddress(address); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := s.coordinator.MinerStats(r.Context(), address)
	if err != nil {
		if errors.Is(err, store.ErrMinerNotFound) {
			s.writeError(w, http.StatusNotFound, err)
		} else {
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	connections, _ := s.connLimiter.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"sessions":    s.SessionCount(),
		"connections": connections,
		"banned_ips":  s.banList.Active(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
