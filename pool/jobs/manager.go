// Package jobs turns upstream block templates into pool job templates:
// it polls the template source, derives the easier share target, carves
// nonce ranges for active miners, and hands finished jobs to the
// coordinator for persistence and broadcast.
package jobs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/starkforge/starkpool/pool/coordinator"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/upstream"
)

// TemplateSource supplies block templates. Satisfied by upstream.Client
// and upstream.StaticSource.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context) (*upstream.BlockTemplate, error)
}

// Config holds job manager configuration
type Config struct {
	RefreshInterval time.Duration
	// ShareEaseShift is how many bits easier the share target is than the
	// block target. 16 bits means shares are ~65536x more frequent than
	// blocks.
	ShareEaseShift uint
	Logger         *slog.Logger
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 15 * time.Second,
		ShareEaseShift:  16,
		Logger:          slog.Default(),
	}
}

// Manager polls the template source and issues pool jobs
type Manager struct {
	cfg    Config
	source TemplateSource
	coord  *coordinator.Coordinator
	logger *slog.Logger

	mu         sync.RWMutex
	currentJob *store.JobTemplate

	// OnNewJob fires after a job is persisted, with the broadcaster as the
	// usual subscriber.
	OnNewJob func(job *store.JobTemplate)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a job manager
func NewManager(cfg Config, source TemplateSource, coord *coordinator.Coordinator) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:    cfg,
		source: source,
		coord:  coord,
		logger: cfg.Logger.With("component", "jobs"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start fetches the first template and begins the refresh loop.
// Fails if the source cannot produce an initial template.
func (m *Manager) Start() error {
	if err := m.RefreshTemplate(m.ctx); err != nil {
		return fmt.Errorf("failed to get initial template: %w", err)
	}

	m.wg.Add(1)
	go m.refreshLoop()

	return nil
}

// Stop halts the refresh loop
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// CurrentJob returns the most recently issued job, or nil before the first
func (m *Manager) CurrentJob() *store.JobTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentJob
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshTemplate(m.ctx); err != nil {
				m.logger.Error("Failed to refresh template", "error", err)
			}
		}
	}
}

// RefreshTemplate pulls a template and issues a job if the chain moved
func (m *Manager) RefreshTemplate(ctx context.Context) error {
	template, err := m.source.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}

	m.mu.RLock()
	current := m.currentJob
	m.mu.RUnlock()

	// Same height and commitment means no new work to hand out.
	if current != nil && current.Height == template.Height &&
		bytes.Equal(current.BlockCommitment, template.BlockCommitment) {
		return nil
	}

	job := m.buildJob(ctx, template)
	if err := m.coord.NewJob(ctx, job); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	m.mu.Lock()
	m.currentJob = job
	m.mu.Unlock()

	m.logger.Info("New job issued",
		"job_id", job.ID,
		"height", job.Height,
		"miners", len(job.NonceRanges),
	)

	if m.OnNewJob != nil {
		m.OnNewJob(job)
	}
	return nil
}

func (m *Manager) buildJob(ctx context.Context, template *upstream.BlockTemplate) *store.JobTemplate {
	ranges := make(map[string]store.NonceRange)
	miners, err := m.coord.ActiveMiners(ctx)
	if err != nil {
		m.logger.Warn("Failed to list active miners for nonce ranges", "error", err)
	} else {
		for _, addr := range miners {
			ranges[addr] = store.NonceRangeFor(addr, len(miners))
		}
	}

	return &store.JobTemplate{
		ID:              generateJobID(),
		BlockCommitment: append(store.HexBytes(nil), template.BlockCommitment...),
		Target:          append(store.HexBytes(nil), template.Target...),
		ShareTarget:     DeriveShareTarget(template.Target, m.cfg.ShareEaseShift),
		Timestamp:       time.Now().UTC(),
		NonceRanges:     ranges,
		Height:          template.Height,
		PreviousBlock:   append(store.HexBytes(nil), template.PreviousBlock...),
	}
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// DeriveShareTarget relaxes a block target by shift bits. A larger target
// accepts more hashes, so shares arrive often enough to measure work while
// blocks stay rare. Saturates at the all-ones target.
func DeriveShareTarget(target []byte, shift uint) store.HexBytes {
	eased := new(big.Int).SetBytes(target)
	eased.Lsh(eased, shift)

	out := make([]byte, 32)
	if eased.BitLen() > 256 {
		for i := range out {
			out[i] = 0xff
		}
		return out
	}
	eased.FillBytes(out)
	return out
}
