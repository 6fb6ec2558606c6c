package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starkforge/starkpool/pool/store"
)

// Queue holds calculated payouts until the external broadcaster picks them
// up. Payouts below the minimum threshold stay queued and accumulate across
// processing rounds.
type Queue struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger

	mu sync.Mutex
}

// NewQueue creates a payout queue over the given store.
func NewQueue(cfg Config, st store.Store) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		store:  st,
		logger: cfg.Logger.With("component", "payout_queue"),
	}
}

// Enqueue appends pending payouts to the durable queue.
func (q *Queue) Enqueue(ctx context.Context, payouts []store.PendingPayout) error {
	if len(payouts) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx)
	if err != nil {
		return err
	}
	queue.PendingPayouts = append(queue.PendingPayouts, payouts...)
	if err := q.store.PutPayoutQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to persist payout queue: %w", err)
	}

	q.logger.Info("Queued payouts", "count", len(payouts), "queue_depth", len(queue.PendingPayouts))
	return nil
}

// Process releases every queued payout at or above the minimum threshold and
// returns the released set. Smaller payouts are retained for a later round.
func (q *Queue) Process(ctx context.Context) ([]store.PendingPayout, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(queue.PendingPayouts) == 0 {
		return nil, nil
	}

	var released []store.PendingPayout
	retained := queue.PendingPayouts[:0]
	var total uint64
	for _, p := range queue.PendingPayouts {
		if p.Amount >= q.cfg.MinPayout {
			released = append(released, p)
			total += p.Amount
		} else {
			retained = append(retained, p)
		}
	}
	if len(released) == 0 {
		return nil, nil
	}

	queue.PendingPayouts = retained
	queue.LastPayoutTime = time.Now().UTC()
	queue.TotalPaid += total
	if err := q.store.PutPayoutQueue(ctx, queue); err != nil {
		return nil, fmt.Errorf("failed to persist payout queue: %w", err)
	}

	q.logger.Info("Released payouts",
		"count", len(released),
		"total", total,
		"retained", len(retained))
	return released, nil
}

// Depth returns how many payouts are currently queued.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(queue.PendingPayouts), nil
}

func (q *Queue) load(ctx context.Context) (*store.PayoutQueue, error) {
	queue, err := q.store.GetPayoutQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load payout queue: %w", err)
	}
	if queue == nil {
		queue = &store.PayoutQueue{}
	}
	return queue, nil
}
