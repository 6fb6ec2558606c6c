package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/starkforge/starkpool/pool/store"
)

// MinerStats is the per-miner view served over HTTP and mining.get_status.
// TotalDifficulty is a decimal string on the wire since it can exceed 64
// bits.
type MinerStats struct {
	Address         string       `json:"address"`
	WorkerName      string       `json:"worker_name"`
	SharesSubmitted uint64       `json:"shares_submitted"`
	SharesValid     uint64       `json:"shares_valid"`
	TotalDifficulty store.BigInt `json:"total_difficulty"`
	LastShareTime   time.Time    `json:"last_share_time"`
	BlocksFound     uint64       `json:"blocks_found"`
	ReputationScore float64      `json:"reputation_score"`
	IsActive        bool         `json:"is_active"`
}

// PoolStats derives the pool-wide snapshot from the share window and
// persists it. Hashrate and share rate are averaged over the whole window.
func (c *Coordinator) PoolStats(ctx context.Context) (*store.PoolStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.store.ListActiveMiners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list miners: %w", err)
	}

	now := time.Now().UTC()
	window, err := c.store.SharesInWindow(ctx, now.Add(-c.cfg.ShareWindow), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load share window: %w", err)
	}

	var totalDifficulty, blocks uint64
	for _, s := range window {
		totalDifficulty += s.Difficulty
		if s.IsBlock {
			blocks++
		}
	}

	windowSecs := c.cfg.ShareWindow.Seconds()
	stats := &store.PoolStats{
		TotalHashrate:   float64(totalDifficulty) / windowSecs,
		ActiveMiners:    uint64(len(active)),
		SharesPerSecond: float64(len(window)) / windowSecs,
		BlocksFound24h:  blocks,
		TotalPaid24h:    c.recentlyPaid(now),
		PoolFeePercent:  c.cfg.FeePercent,
	}
	if len(window) > 0 {
		stats.AverageShareDifficulty = totalDifficulty / uint64(len(window))
	}

	if err := c.store.PutPoolStats(ctx, stats); err != nil {
		return nil, fmt.Errorf("failed to save pool stats: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpdatePoolStats(stats.TotalHashrate, int64(stats.ActiveMiners))
	}
	return stats, nil
}

// recentlyPaid sums payout releases inside the share window. Only releases
// from this process lifetime are counted; the figure is informational.
func (c *Coordinator) recentlyPaid(now time.Time) uint64 {
	cutoff := now.Add(-c.cfg.ShareWindow)
	var total uint64
	for _, b := range c.released {
		if b.at.After(cutoff) {
			total += b.amount
		}
	}
	return total
}

// MinerStats returns the stats document for one miner, or
// store.ErrMinerNotFound when no record exists.
func (c *Coordinator) MinerStats(ctx context.Context, address string) (*MinerStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	miner, err := c.store.GetMiner(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load miner: %w", err)
	}
	if miner == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrMinerNotFound, address)
	}

	rep, err := c.store.GetReputation(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load reputation: %w", err)
	}
	if rep == nil {
		rep = store.NewMinerReputation(address)
	}

	return &MinerStats{
		Address:         miner.Address,
		WorkerName:      miner.WorkerName,
		SharesSubmitted: miner.SharesSubmitted,
		SharesValid:     miner.SharesValid,
		TotalDifficulty: miner.TotalDifficulty.Clone(),
		LastShareTime:   miner.LastShareTime,
		BlocksFound:     rep.BlocksFound,
		ReputationScore: rep.ReputationScore,
		IsActive:        miner.IsActive,
	}, nil
}
