// Package store provides the durable state layer for the pool: miner
// records, the share ledger, job templates, reputations, payout queue and
// derived pool statistics.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Domain lookup errors. Wire messages are stable: stratum sessions
// stringify them into -32603 error responses.
var (
	ErrDuplicateShare = errors.New("Duplicate share")
	ErrJobNotFound    = errors.New("Job not found")
	ErrMinerNotFound  = errors.New("Miner not found")
)

// TTLs applied by implementations.
const (
	ShareTTL = 24 * time.Hour
	JobTTL   = time.Hour
)

// Store is the durable state interface. Get* methods return (nil, nil) when
// the entity does not exist; callers decide whether absence is an error.
// Implementations must treat every record handed in or out as a snapshot:
// no retained value may alias caller memory.
type Store interface {
	GetMiner(ctx context.Context, address string) (*MinerRecord, error)
	PutMiner(ctx context.Context, m *MinerRecord) error
	ListActiveMiners(ctx context.Context) ([]string, error)

	// PutShare fails with ErrDuplicateShare when either the share id or the
	// (jobID, minerAddress, nonce) tuple has been stored before. On success
	// the share is indexed into the per-miner and global timestamp sets.
	PutShare(ctx context.Context, s *ShareRecord) error
	// ShareSeen reports whether the (jobID, minerAddress, nonce) tuple has
	// already produced a stored share.
	ShareSeen(ctx context.Context, jobID, minerAddress string, nonce uint64) (bool, error)
	SharesInWindow(ctx context.Context, start, end time.Time) ([]ShareRecord, error)
	// CleanupShares removes ledger index entries with timestamps <= before
	// and returns the number removed.
	CleanupShares(ctx context.Context, before time.Time) (int64, error)

	PutJob(ctx context.Context, j *JobTemplate) error
	GetJob(ctx context.Context, id string) (*JobTemplate, error)
	CurrentJob(ctx context.Context) (*JobTemplate, error)

	GetReputation(ctx context.Context, address string) (*MinerReputation, error)
	PutReputation(ctx context.Context, r *MinerReputation) error

	PutPoolStats(ctx context.Context, s *PoolStats) error
	GetPoolStats(ctx context.Context) (*PoolStats, error)

	GetPayoutQueue(ctx context.Context) (*PayoutQueue, error)
	PutPayoutQueue(ctx context.Context, q *PayoutQueue) error

	Ping(ctx context.Context) error
	Close() error
}

// Key schema shared by implementations.
const (
	keyActiveMiners = "miners:active"
	keySharesWindow = "shares:window"
	keyCurrentJob   = "job:current"
	keyPoolStats    = "pool:stats"
	keyPayoutQueue  = "payouts:queue"
)

func minerKey(address string) string { return "miner:" + address }

func minerSharesKey(address string) string { return "miner:" + address + ":shares" }

func shareKey(id string) string { return "share:" + id }

func jobKey(id string) string { return "job:" + id }

func reputationKey(address string) string { return "reputation:" + address }

func shareSeenKey(jobID, minerAddress string, nonce uint64) string {
	return fmt.Sprintf("shares:seen:%s:%s:%d", jobID, minerAddress, nonce)
}
