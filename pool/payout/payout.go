// Package payout implements PPLNS-style (Pay Per Last N Shares) reward
// distribution over a rolling time window of shares. Paying the window
// rather than the block finder alone discourages pool hopping.
package payout

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/starkforge/starkpool/pool/store"
)

// Config holds payout configuration.
type Config struct {
	PoolFeePercent float64       // Pool fee percentage (e.g. 2.0 = 2%)
	MinPayout      uint64        // Minimum release threshold per payout
	PayoutInterval time.Duration // How often the queue is processed
	Logger         *slog.Logger
}

// DefaultConfig returns default payout configuration.
func DefaultConfig() Config {
	return Config{
		PoolFeePercent: 2.0,
		MinPayout:      1_000_000,
		PayoutInterval: 1 * time.Hour,
		Logger:         slog.Default(),
	}
}

// Calculator derives per-miner payout amounts from the share window. The fee
// percentage is fixed for the calculator's lifetime.
type Calculator struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
}

// NewCalculator creates a payout calculator over the given store.
func NewCalculator(cfg Config, st store.Store) *Calculator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Calculator{
		cfg:    cfg,
		store:  st,
		logger: cfg.Logger.With("component", "payout"),
	}
}

// Calculate splits a block reward across the valid shares in the window,
// proportional to reward units. The pool fee comes off the top; each miner
// receives floor(distributable * units / totalUnits). Unit sums are held in
// big integers since difficulty*steps products can exceed 64 bits. Rounding
// dust stays with the pool.
func (c *Calculator) Calculate(ctx context.Context, blockReward uint64, windowStart, windowEnd time.Time) ([]store.PendingPayout, error) {
	shares, err := c.store.SharesInWindow(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load share window: %w", err)
	}

	totalUnits := new(big.Int)
	minerUnits := make(map[string]*big.Int)
	minerShares := make(map[string]uint64)
	for _, share := range shares {
		if !share.IsValid {
			continue
		}
		units := new(big.Int).SetUint64(share.RewardUnits)
		totalUnits.Add(totalUnits, units)
		if cur, ok := minerUnits[share.MinerAddress]; ok {
			cur.Add(cur, units)
		} else {
			minerUnits[share.MinerAddress] = units
		}
		minerShares[share.MinerAddress]++
	}
	if totalUnits.Sign() == 0 {
		return nil, nil
	}

	poolFee := uint64(float64(blockReward) * c.cfg.PoolFeePercent / 100.0)
	distributable := new(big.Int).SetUint64(blockReward - poolFee)

	addresses := make([]string, 0, len(minerUnits))
	for addr := range minerUnits {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	var paid uint64
	payouts := make([]store.PendingPayout, 0, len(addresses))
	for _, addr := range addresses {
		amount := new(big.Int).Mul(distributable, minerUnits[addr])
		amount.Div(amount, totalUnits)
		if amount.Sign() == 0 {
			continue
		}
		payouts = append(payouts, store.PendingPayout{
			MinerAddress: addr,
			Amount:       amount.Uint64(),
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			ShareCount:   minerShares[addr],
		})
		paid += amount.Uint64()
	}

	c.logger.Info("Calculated block payouts",
		"miners", len(payouts),
		"block_reward", blockReward,
		"pool_fee", poolFee,
		"dust", blockReward-poolFee-paid)
	return payouts, nil
}
