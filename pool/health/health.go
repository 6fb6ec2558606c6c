// Package health runs periodic component checks and serves the
// liveness/readiness endpoints built from their results.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hako/durafmt"
)

// Status represents component health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check probes one component. A nil return is healthy; an error wrapping
// ErrDegraded marks the component degraded instead of unhealthy, which
// keeps readiness up.
type Check func(ctx context.Context) error

// Component is the recorded result of one check
type Component struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS float64   `json:"latency_ms"`
	LastCheck time.Time `json:"last_check"`
}

// Response is the detailed health document
type Response struct {
	Status     Status                `json:"status"`
	Version    string                `json:"version,omitempty"`
	Uptime     string                `json:"uptime"`
	Components map[string]*Component `json:"components"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Config holds health handler configuration
type Config struct {
	Version       string
	CheckInterval time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Version:       "unknown",
		CheckInterval: 30 * time.Second,
	}
}

// Handler runs registered checks on an interval and serves the results
type Handler struct {
	checks    map[string]Check
	results   map[string]*Component
	mu        sync.RWMutex
	version   string
	startTime time.Time
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a health handler
func NewHandler(cfg Config) *Handler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Handler{
		checks:    make(map[string]Check),
		results:   make(map[string]*Component),
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  cfg.CheckInterval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterCheck adds a named check. The component reads healthy until the
// first probe says otherwise.
func (h *Handler) RegisterCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = check
	h.results[name] = &Component{
		Name:   name,
		Status: StatusHealthy,
	}
}

// Start begins background checking; the first round runs immediately
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.checkLoop()
}

// Stop halts background checking
func (h *Handler) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) checkLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.runChecks()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runChecks()
		}
	}
}

func (h *Handler) runChecks() {
	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	for name, check := range checks {
		start := time.Now()
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		err := check(ctx)
		cancel()

		status := StatusHealthy
		message := ""
		if err != nil {
			message = err.Error()
			if errors.Is(err, ErrDegraded) {
				status = StatusDegraded
			} else {
				status = StatusUnhealthy
			}
		}

		h.mu.Lock()
		h.results[name] = &Component{
			Name:      name,
			Status:    status,
			Message:   message,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
			LastCheck: time.Now(),
		}
		h.mu.Unlock()
	}
}

func (h *Handler) overallStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := StatusHealthy
	for _, result := range h.results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// HealthHandler serves the detailed component document. Responds 503 only
// when some component is unhealthy.
func (h *Handler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		components := make(map[string]*Component, len(h.results))
		for k, v := range h.results {
			components[k] = v
		}
		h.mu.RUnlock()

		status := h.overallStatus()
		response := Response{
			Status:     status,
			Version:    h.version,
			Uptime:     durafmt.Parse(time.Since(h.startTime).Round(time.Second)).LimitFirstN(2).String(),
			Components: components,
			Timestamp:  time.Now().UTC(),
		}

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler answers "is the process running" and nothing more
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports whether the pool should receive traffic.
// Degraded components do not flip readiness; unhealthy ones do.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.overallStatus() == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

// PingCheck wraps a component's ping function (store, archive, chain node)
func PingCheck(ping func(context.Context) error) Check {
	return func(ctx context.Context) error {
		return ping(ctx)
	}
}

// StratumCheck fails when the stratum server is not accepting miners
func StratumCheck(isRunning func() bool) Check {
	return func(ctx context.Context) error {
		if !isRunning() {
			return ErrStratumNotRunning
		}
		return nil
	}
}

// JobFreshnessCheck degrades the pool when the current job template is
// older than maxAge. Miners keep hashing stale work until a template
// arrives, so this is a soft failure.
func JobFreshnessCheck(lastJob func(ctx context.Context) (time.Time, error), maxAge time.Duration) Check {
	return func(ctx context.Context) error {
		ts, err := lastJob(ctx)
		if err != nil {
			return err
		}
		if age := time.Since(ts); age > maxAge {
			return fmt.Errorf("current job is %s old: %w", age.Round(time.Second), ErrDegraded)
		}
		return nil
	}
}

type healthError string

func (e healthError) Error() string {
	return string(e)
}

var (
	// ErrDegraded marks soft failures; wrap it to keep readiness up.
	ErrDegraded = healthError("degraded")

	ErrStratumNotRunning = healthError("stratum server not running")
)
