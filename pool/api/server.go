// Package api serves the pool's public REST surface: pool and miner
// statistics, block and payout history, and chain state for dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"github.com/starkforge/starkpool/pool/archive"
	"github.com/starkforge/starkpool/pool/coordinator"
	"github.com/starkforge/starkpool/pool/health"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/upstream"
	"github.com/starkforge/starkpool/pool/validation"
)

// Config holds API server configuration
type Config struct {
	ListenAddr string
	Logger     *slog.Logger
}

// Server is the REST API server. The archive, node, and health
// dependencies are optional; endpoints backed by an absent dependency
// degrade to empty or static responses.
type Server struct {
	cfg       Config
	coord     *coordinator.Coordinator
	arch      *archive.Archive
	node      *upstream.Client
	health    *health.Handler
	validator *validation.Validator
	logger    *slog.Logger

	httpSrv   *http.Server
	listener  net.Listener
	startTime time.Time
}

// New creates an API server in front of the coordinator. arch, node, and
// healthHandler may be nil.
func New(cfg Config, coord *coordinator.Coordinator, arch *archive.Archive, node *upstream.Client, healthHandler *health.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		coord:     coord,
		arch:      arch,
		node:      node,
		health:    healthHandler,
		validator: validation.NewValidator(),
		logger:    cfg.Logger.With("component", "api"),
		startTime: time.Now(),
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
	mux.HandleFunc("/stats", s.handlePoolStats)
	mux.HandleFunc("/api/stats/", s.handleMinerStats)
	mux.HandleFunc("/api/lookup", s.handleMinerLookup)
	mux.HandleFunc("/api/blocks", s.handleBlocks)
	mux.HandleFunc("/api/payments", s.handlePayments)
	mux.HandleFunc("/api/network", s.handleNetworkStats)

	if s.health != nil {
		mux.Handle("/health", s.health.HealthHandler())
		mux.Handle("/healthz", s.health.LivenessHandler())
		mux.Handle("/readyz", s.health.ReadinessHandler())
	} else {
		mux.HandleFunc("/health", s.handleStaticHealth)
		mux.HandleFunc("/healthz", s.handleStaticHealth)
		mux.HandleFunc("/readyz", s.handleStaticHealth)
	}

	s.httpSrv = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("API server started", "addr", listener.Addr().String())
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down with a grace period.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the bound listen address, usable once Start has returned
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// PoolStatsResponse is the pool snapshot plus the static pool terms
// dashboards render alongside it.
type PoolStatsResponse struct {
	PoolName string `json:"pool_name"`
	store.PoolStats
	MinPayout      uint64 `json:"min_payout"`
	PayoutInterval string `json:"payout_interval"`
	Uptime         string `json:"uptime"`
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.PoolStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to get pool stats", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	ccfg := s.coord.Config()
	jsonResponse(w, http.StatusOK, PoolStatsResponse{
		PoolName:       ccfg.PoolName,
		PoolStats:      *stats,
		MinPayout:      ccfg.MinPayout,
		PayoutInterval: durafmt.Parse(ccfg.PayoutInterval).String(),
		Uptime:         durafmt.Parse(time.Since(s.startTime).Round(time.Second)).LimitFirstN(2).String(),
	})
}

// MinerStatsResponse is the per-miner document; total_paid comes from the
// archive and stays zero when no database is configured.
type MinerStatsResponse struct {
	coordinator.MinerStats
	TotalPaid uint64 `json:"total_paid"`
}

func (s *Server) handleMinerStats(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimPrefix(r.URL.Path, "/api/stats/")
	if address == "" || strings.Contains(address, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.validator.ValidateAddress(address); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	stats, err := s.coord.MinerStats(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrMinerNotFound) {
			errorResponse(w, http.StatusNotFound, "Miner not found")
		} else {
			s.logger.Error("Failed to get miner", "address", address, "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to get miner")
		}
		return
	}

	response := MinerStatsResponse{MinerStats: *stats}
	if s.arch != nil {
		if paid, err := s.arch.TotalPaid(ctx, address); err == nil {
			response.TotalPaid = paid
		} else {
			s.logger.Warn("Failed to sum archived payouts", "address", address, "error", err)
		}
	}

	jsonResponse(w, http.StatusOK, response)
}

func (s *Server) handleMinerLookup(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		errorResponse(w, http.StatusBadRequest, "address parameter required")
		return
	}
	if err := s.validator.ValidateAddress(address); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.coord.MinerStats(r.Context(), address)
	if err != nil {
		if errors.Is(err, store.ErrMinerNotFound) {
			jsonResponse(w, http.StatusOK, map[string]interface{}{"found": false})
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Lookup failed")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"found":        true,
		"address":      stats.Address,
		"shares_valid": stats.SharesValid,
		"blocks_found": stats.BlocksFound,
	})
}

// pageParams reads limit/offset query parameters with the usual clamps.
func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	blocks := make([]*archive.BlockRow, 0)
	if s.arch != nil {
		rows, err := s.arch.RecentBlocks(r.Context(), limit, offset)
		if err != nil {
			s.logger.Error("Failed to get blocks", "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to get blocks")
			return
		}
		blocks = append(blocks, rows...)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"blocks": blocks,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	address := r.URL.Query().Get("address")
	if address != "" {
		if err := s.validator.ValidateAddress(address); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	payments := make([]*archive.PayoutRow, 0)
	if s.arch != nil {
		var (
			rows []*archive.PayoutRow
			err  error
		)
		if address != "" {
			rows, err = s.arch.MinerPayouts(r.Context(), address, limit)
		} else {
			rows, err = s.arch.RecentPayouts(r.Context(), limit, offset)
		}
		if err != nil {
			s.logger.Error("Failed to get payments", "error", err)
			errorResponse(w, http.StatusInternalServerError, "Failed to get payments")
			return
		}
		payments = append(payments, rows...)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"limit":    limit,
		"offset":   offset,
	})
}

// NetworkStatsResponse is the chain state as the pool's node sees it
type NetworkStatsResponse struct {
	Height            uint64 `json:"height"`
	NetworkDifficulty uint64 `json:"network_difficulty"`
	Peers             int    `json:"peers"`
	Synced            bool   `json:"synced"`
	Algorithm         string `json:"algorithm"`
}

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	response := NetworkStatsResponse{Algorithm: "stark-pow"}

	if s.node != nil {
		status, err := s.node.GetNodeStatus(r.Context())
		if err != nil {
			s.logger.Error("Failed to get node status", "error", err)
			errorResponse(w, http.StatusBadGateway, "Failed to reach chain node")
			return
		}
		response.Height = status.Height
		response.NetworkDifficulty = status.NetworkDifficulty
		response.Peers = status.Peers
		response.Synced = status.Synced
	}

	jsonResponse(w, http.StatusOK, response)
}

func (s *Server) handleStaticHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
