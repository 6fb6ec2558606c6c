package stratum

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starkforge/starkpool/pool/middleware"
	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/validation"
	"github.com/starkforge/starkpool/pool/verifier"
)

// State is the lifecycle state of a miner session
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

// Session is one miner connection. All request handling runs on the read
// pump goroutine; outbound frames go through a bounded send queue drained
// by the write pump, so broadcasts never block on a slow miner.
type Session struct {
	ID         string
	RemoteAddr string

	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	mu             sync.RWMutex
	state          State
	address        string
	workerName     string
	userAgent      string
	subscriptionID string

	sharesAccepted atomic.Uint64
	sharesRejected atomic.Uint64
	connectedAt    time.Time

	closeOnce sync.Once
	logger    *slog.Logger
}

// NewSession creates a session for an upgraded connection
func NewSession(id string, conn *websocket.Conn, srv *Server) *Session {
	return &Session{
		ID:          id,
		RemoteAddr:  conn.RemoteAddr().String(),
		server:      srv,
		conn:        conn,
		send:        make(chan []byte, srv.cfg.SendQueueSize),
		done:        make(chan struct{}),
		state:       StateConnected,
		connectedAt: time.Now(),
		logger:      srv.logger.With("session", id, "addr", conn.RemoteAddr()),
	}
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authorized reports whether the session completed mining.authorize
func (s *Session) Authorized() bool {
	return s.State() == StateAuthorized
}

// Address returns the authorized miner address, or "" before authorize
func (s *Session) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// WorkerName returns the worker suffix chosen at authorize time
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// SendJob enqueues a mining.notify for an authorized session.
// Returns false if the session is not authorized or its queue is full.
func (s *Session) SendJob(job *store.JobTemplate) bool {
	if !s.Authorized() {
		return false
	}
	return s.enqueue(NewJobNotification(job))
}

// Close marks the session closed and signals the write pump to send a
// close frame. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) enqueue(msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to encode outbound frame", "error", err)
		s.Close()
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.logger.Warn("Send queue full, dropping frame")
		return false
	}
}

func (s *Session) sendResponse(id uint64, result interface{}) {
	s.enqueue(NewResponse(id, result))
}

func (s *Session) sendError(id *uint64, e *Error) {
	s.enqueue(NewErrorResponse(id, e))
}

// readPump reads frames until the connection drops, dispatching each one
func (s *Session) readPump() {
	defer s.server.removeSession(s)

	s.conn.SetReadLimit(s.server.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.ReadTimeout))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.ReadTimeout))
		s.handleMessage(data)
	}
}

// writePump drains the send queue and keeps the connection alive with pings
func (s *Session) writePump() {
	ticker := time.NewTicker(s.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Invalid JSON frame", "error", err)
		s.sendError(nil, ErrInvalidRequest)
		return
	}

	if msg.Method == "" {
		s.sendError(msg.ID, ErrMissingMethod)
		return
	}
	if msg.ID == nil {
		s.sendError(nil, ErrMissingID)
		return
	}

	start := time.Now()
	var handlerErr *Error
	switch msg.Method {
	case MethodSubscribe:
		handlerErr = s.handleSubscribe(*msg.ID, msg.Params)
	case MethodAuthorize:
		handlerErr = s.handleAuthorize(*msg.ID, msg.Params)
	case MethodSubmit:
		handlerErr = s.handleSubmit(*msg.ID, msg.Params)
	case MethodGetStatus:
		handlerErr = s.handleGetStatus(*msg.ID)
	default:
		s.logger.Warn("Unknown method", "method", msg.Method)
		handlerErr = UnknownMethod(msg.Method)
	}

	if handlerErr != nil {
		s.sendError(msg.ID, handlerErr)
	}
	if m := s.server.metrics; m != nil {
		var err error
		if handlerErr != nil {
			err = handlerErr
		}
		m.RecordRequest(msg.Method, time.Since(start).Seconds(), err)
	}
}

func (s *Session) handleSubscribe(id uint64, params json.RawMessage) *Error {
	agent := validation.SanitizeAgent(ParseSubscribeParams(params))
	subID := strconv.FormatUint(rand.Uint64(), 16)

	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateSubscribed
	}
	s.userAgent = agent
	s.subscriptionID = subID
	s.mu.Unlock()

	s.logger.Debug("Miner subscribed", "user_agent", agent, "subscription", subID)
	s.sendResponse(id, SubscribeResult(subID))
	return nil
}

func (s *Session) handleAuthorize(id uint64, params json.RawMessage) *Error {
	worker, _, perr := ParseAuthorizeParams(params)
	if perr != nil {
		return perr
	}

	address, workerName := splitWorker(worker)
	if err := s.server.validator.ValidateAddress(address); err != nil {
		s.logger.Warn("Rejected miner address", "worker", worker, "error", err)
		return ErrInvalidParams
	}
	if err := s.server.validator.ValidateWorkerName(workerName); err != nil {
		s.logger.Warn("Rejected worker name", "worker", worker, "error", err)
		return ErrInvalidParams
	}

	if err := s.server.coordinator.RegisterMiner(s.server.ctx, address, workerName); err != nil {
		s.logger.Warn("Authorization failed", "worker", worker, "error", err)
		return InternalError(err)
	}

	s.mu.Lock()
	s.state = StateAuthorized
	s.address = address
	s.workerName = workerName
	s.mu.Unlock()

	s.logger.Info("Miner authorized", "address", address, "worker", workerName)
	s.sendResponse(id, true)

	// The current job goes out right after the response so the miner can
	// start working without waiting for the next broadcast.
	if job, err := s.server.coordinator.CurrentJob(s.server.ctx); err == nil && job != nil {
		s.enqueue(NewJobNotification(job))
		s.enqueue(NewNotification(MethodSetDifficulty, []uint64{verifier.ShareDifficulty(job.ShareTarget)}))
	}
	return nil
}

func (s *Session) handleSubmit(id uint64, params json.RawMessage) *Error {
	s.mu.RLock()
	state, address := s.state, s.address
	s.mu.RUnlock()
	if state != StateAuthorized {
		return &Error{Code: CodeInternal, Message: fmt.Sprintf("Miner not found: %s", s.ID)}
	}

	ip := middleware.ClientIP(s.RemoteAddr)
	if !s.server.rateLimiter.Allow(ip) {
		s.sharesRejected.Add(1)
		return ErrRateLimited
	}

	sub, perr := ParseSubmitParams(params)
	if perr != nil {
		return perr
	}
	if err := s.server.validator.ValidateJobID(sub.JobID); err != nil {
		return ErrBadSubmission
	}
	// The authorized identity wins over whatever the frame claims.
	sub.MinerID = address

	validation, err := s.server.coordinator.SubmitShare(s.server.ctx, sub)
	if err != nil {
		s.sharesRejected.Add(1)
		s.logger.Warn("Share rejected", "job_id", sub.JobID, "error", err)
		if errors.Is(err, shares.ErrInvalidProof) || errors.Is(err, shares.ErrInsufficientDifficulty) {
			if s.server.shareGuard.RecordFailure(ip) {
				s.logger.Warn("Closing session after repeated invalid shares", "ip", ip)
				s.Close()
			}
		}
		return InternalError(err)
	}

	s.sharesAccepted.Add(1)
	s.server.shareGuard.Reset(ip)
	if validation.IsBlock {
		s.logger.Info("BLOCK FOUND by miner!", "address", address, "job_id", sub.JobID)
	}
	s.sendResponse(id, true)
	return nil
}

func (s *Session) handleGetStatus(id uint64) *Error {
	stats, err := s.server.coordinator.PoolStats(s.server.ctx)
	if err != nil {
		return InternalError(err)
	}
	s.sendResponse(id, stats)
	return nil
}

// splitWorker splits an authorize worker string into the pool address and
// the worker suffix: "addr.rig1" becomes ("addr", "rig1").
func splitWorker(worker string) (address, name string) {
	if i := strings.IndexByte(worker, '.'); i > 0 {
		return worker[:i], validation.SanitizeWorkerName(worker[i+1:])
	}
	return worker, "default"
}
