// Package coordinator implements the pool façade: the single entry point
// for session-level operations. It threads share submissions through
// validation, accounting, reputation, and payout, serializing all store
// writes behind one exclusive lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starkforge/starkpool/pool/metrics"
	"github.com/starkforge/starkpool/pool/payout"
	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/verifier"
)

// Config holds pool coordinator configuration.
type Config struct {
	PoolName    string
	FeePercent  float64 // Pool fee percentage (e.g. 2.0 = 2%)
	MinPayout   uint64  // Minimum payout release threshold
	BlockReward uint64  // Reward distributed per found block

	ShareWindow         time.Duration // PPLNS window
	ShareRetention      time.Duration // How long shares stay in the window index
	MaintenanceInterval time.Duration
	PayoutInterval      time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		PoolName:            "StarkForge Mining Pool",
		FeePercent:          2.0,
		MinPayout:           1_000_000,
		BlockReward:         1_000_000,
		ShareWindow:         24 * time.Hour,
		ShareRetention:      48 * time.Hour,
		MaintenanceInterval: 5 * time.Minute,
		PayoutInterval:      1 * time.Hour,
		Logger:              slog.Default(),
	}
}

// releasedBatch tracks one payout release for the rolling 24h paid total.
type releasedBatch struct {
	at     time.Time
	amount uint64
}

// Coordinator owns all writes to the store. Reads may run concurrently;
// writes are exclusive, which also serializes concurrent submissions of the
// same share tuple.
type Coordinator struct {
	cfg       Config
	store     store.Store
	validator *shares.Validator
	calc      *payout.Calculator
	queue     *payout.Queue
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.RWMutex
	released []releasedBatch

	// OnPayoutsReleased is invoked with each released payout batch, in the
	// payout loop's goroutine. The external broadcaster hooks in here.
	OnPayoutsReleased func(ctx context.Context, payouts []store.PendingPayout)

	// OnBlockFound is invoked in its own goroutine after a full block share
	// is accepted. The upstream block submitter hooks in here.
	OnBlockFound func(ctx context.Context, job *store.JobTemplate, share *store.ShareRecord, proof []byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator over the given store and verification oracle.
func New(cfg Config, st store.Store, v *verifier.Verifier) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	payoutCfg := payout.Config{
		PoolFeePercent: cfg.FeePercent,
		MinPayout:      cfg.MinPayout,
		PayoutInterval: cfg.PayoutInterval,
		Logger:         cfg.Logger,
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:       cfg,
		store:     st,
		validator: shares.NewValidator(shares.Config{Logger: cfg.Logger}, st, v),
		calc:      payout.NewCalculator(payoutCfg, st),
		queue:     payout.NewQueue(payoutCfg, st),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "coordinator"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the maintenance and payout loops.
func (c *Coordinator) Start() error {
	c.logger.Info("Starting pool coordinator",
		"pool", c.cfg.PoolName,
		"fee_percent", c.cfg.FeePercent,
		"share_window", c.cfg.ShareWindow,
	)

	c.wg.Add(1)
	go c.maintenanceLoop()

	c.wg.Add(1)
	go c.payoutLoop()

	return nil
}

// Stop cancels the background loops and waits for them to finish.
func (c *Coordinator) Stop() {
	c.logger.Info("Stopping coordinator")
	c.cancel()
	c.wg.Wait()
	c.logger.Info("Coordinator stopped")
}

// Config returns the coordinator's effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// RegisterMiner creates or reactivates the miner record for an authorized
// session.
func (c *Coordinator) RegisterMiner(ctx context.Context, address, workerName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	miner, err := c.store.GetMiner(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to load miner: %w", err)
	}
	if miner == nil {
		miner = store.NewMinerRecord(address, workerName)
	} else {
		miner.WorkerName = workerName
		miner.IsActive = true
	}
	if err := c.store.PutMiner(ctx, miner); err != nil {
		return fmt.Errorf("failed to save miner: %w", err)
	}

	c.logger.Info("Registered miner", "address", address, "worker", workerName)
	return nil
}

// UnregisterMiner marks a miner inactive on disconnect. The record and its
// share history remain.
func (c *Coordinator) UnregisterMiner(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	miner, err := c.store.GetMiner(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to load miner: %w", err)
	}
	if miner == nil {
		return nil
	}
	miner.IsActive = false
	if err := c.store.PutMiner(ctx, miner); err != nil {
		return fmt.Errorf("failed to save miner: %w", err)
	}

	c.logger.Debug("Miner disconnected", "address", address)
	return nil
}

// SubmitShare validates one submission and, when accepted, persists the
// share record, updates the miner's counters and reputation, and triggers
// payout calculation for found blocks.
func (c *Coordinator) SubmitShare(ctx context.Context, sub *shares.Submission) (*shares.Validation, error) {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	validation, err := c.validator.Validate(ctx, sub)
	if err != nil {
		c.recordRejection(ctx, sub, err, start)
		return nil, err
	}

	nonce, _ := sub.ShareType.Nonce()
	now := time.Now().UTC()
	record := &store.ShareRecord{
		ID:           uuid.New().String(),
		MinerAddress: sub.MinerID,
		JobID:        sub.JobID,
		Nonce:        nonce,
		Difficulty:   validation.Difficulty,
		Timestamp:    now,
		IsValid:      true,
		IsBlock:      validation.IsBlock,
		RewardUnits:  validation.RewardUnits,
	}
	if err := c.store.PutShare(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save share: %w", err)
	}

	miner, err := c.store.GetMiner(ctx, sub.MinerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load miner: %w", err)
	}
	if miner == nil {
		// Share from a session the store has no record of; register on the
		// fly so every share record has a miner behind it.
		miner = store.NewMinerRecord(sub.MinerID, "")
	}
	miner.SharesSubmitted++
	miner.SharesValid++
	miner.LastShareTime = now
	miner.TotalDifficulty.Add64(validation.Difficulty)
	if err := c.store.PutMiner(ctx, miner); err != nil {
		return nil, fmt.Errorf("failed to save miner: %w", err)
	}

	rep, err := c.store.GetReputation(ctx, sub.MinerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reputation: %w", err)
	}
	if rep == nil {
		rep = store.NewMinerReputation(sub.MinerID)
	}
	rep.ValidShares++
	if validation.IsBlock {
		rep.BlocksFound++
		rep.LastBlockTime = &now
	}
	rep.UpdateScore()
	if err := c.store.PutReputation(ctx, rep); err != nil {
		return nil, fmt.Errorf("failed to save reputation: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordShare("valid", float64(validation.Difficulty), time.Since(start).Seconds())
	}

	if validation.IsBlock {
		c.logger.Info("BLOCK FOUND",
			"miner", sub.MinerID,
			"job_id", sub.JobID,
			"nonce", nonce,
		)
		if c.metrics != nil {
			c.metrics.RecordBlock()
		}
		c.triggerBlockPayout(ctx, record)
		c.notifyBlockFound(ctx, sub, record)
	}

	return validation, nil
}

// notifyBlockFound hands the accepted block to the OnBlockFound hook. The
// callback runs on its own goroutine under the coordinator's context so a
// slow upstream cannot stall the submit path.
func (c *Coordinator) notifyBlockFound(ctx context.Context, sub *shares.Submission, record *store.ShareRecord) {
	if c.OnBlockFound == nil || sub.ShareType.ValidBlock == nil {
		return
	}
	job, err := c.store.GetJob(ctx, sub.JobID)
	if err != nil || job == nil {
		c.logger.Error("Failed to load job for found block", "job_id", sub.JobID, "error", err)
		return
	}
	proof := append([]byte(nil), sub.ShareType.ValidBlock.Proof...)
	rec := *record
	go c.OnBlockFound(c.ctx, job, &rec, proof)
}

// recordRejection applies the reputation penalty for shares that failed
// verification. Duplicates and stale jobs carry no penalty.
func (c *Coordinator) recordRejection(ctx context.Context, sub *shares.Submission, cause error, start time.Time) {
	status := "invalid"
	if errors.Is(cause, store.ErrDuplicateShare) {
		status = "duplicate"
	}
	if c.metrics != nil {
		c.metrics.RecordShare(status, 0, time.Since(start).Seconds())
	}

	if !errors.Is(cause, shares.ErrInvalidProof) && !errors.Is(cause, shares.ErrInsufficientDifficulty) {
		return
	}
	rep, err := c.store.GetReputation(ctx, sub.MinerID)
	if err != nil {
		c.logger.Warn("Failed to load reputation for penalty", "miner", sub.MinerID, "error", err)
		return
	}
	if rep == nil {
		rep = store.NewMinerReputation(sub.MinerID)
	}
	rep.InvalidShares++
	rep.UpdateScore()
	if err := c.store.PutReputation(ctx, rep); err != nil {
		c.logger.Warn("Failed to save reputation penalty", "miner", sub.MinerID, "error", err)
	}
}

// triggerBlockPayout computes and queues the payout split for the window
// ending at the block share's timestamp. Failures are logged, not returned:
// the block share is already accepted.
func (c *Coordinator) triggerBlockPayout(ctx context.Context, block *store.ShareRecord) {
	windowStart := block.Timestamp.Add(-c.cfg.ShareWindow)
	payouts, err := c.calc.Calculate(ctx, c.cfg.BlockReward, windowStart, block.Timestamp)
	if err != nil {
		c.logger.Error("Payout calculation failed", "job_id", block.JobID, "error", err)
		return
	}
	if err := c.queue.Enqueue(ctx, payouts); err != nil {
		c.logger.Error("Failed to queue payouts", "job_id", block.JobID, "error", err)
	}
}

// NewJob persists a job template and marks it current.
func (c *Coordinator) NewJob(ctx context.Context, job *store.JobTemplate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordJob()
	}

	c.logger.Info("New job", "job_id", job.ID, "height", job.Height)
	return nil
}

// CurrentJob returns the current job template, or nil when none is live.
func (c *Coordinator) CurrentJob(ctx context.Context) (*store.JobTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.CurrentJob(ctx)
}

// ActiveMiners returns the addresses in the active-miner set.
func (c *Coordinator) ActiveMiners(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.ListActiveMiners(ctx)
}
