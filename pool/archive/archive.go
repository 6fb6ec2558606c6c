// Package archive persists released payouts and found blocks to Postgres
// for long-term history. The archive is optional: without a database URL
// the pool runs entirely from the primary store and releases are only
// logged.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starkforge/starkpool/pool/store"
)

// Config holds archive configuration
type Config struct {
	DatabaseURL string
	Logger      *slog.Logger
}

// Archive wraps the PostgreSQL connection pool
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS payouts (
	id            BIGSERIAL PRIMARY KEY,
	miner_address TEXT        NOT NULL,
	amount        BIGINT      NOT NULL,
	share_count   BIGINT      NOT NULL,
	window_start  TIMESTAMPTZ NOT NULL,
	window_end    TIMESTAMPTZ NOT NULL,
	released_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS payouts_miner_idx ON payouts (miner_address, released_at DESC);

CREATE TABLE IF NOT EXISTS blocks (
	id            BIGSERIAL PRIMARY KEY,
	job_id        TEXT        NOT NULL,
	height        BIGINT      NOT NULL,
	miner_address TEXT        NOT NULL,
	nonce         TEXT        NOT NULL,
	reward        BIGINT      NOT NULL,
	found_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS blocks_height_idx ON blocks (height DESC);
`

// New connects to Postgres and bootstraps the archive schema
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	a := &Archive{
		pool:   pool,
		logger: cfg.Logger.With("component", "archive"),
	}
	a.logger.Info("Payout archive connected")
	return a, nil
}

// Close closes the connection pool
func (a *Archive) Close() {
	a.pool.Close()
}

// Ping checks database liveness
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// RecordPayouts archives one released payout batch in a single transaction
func (a *Archive) RecordPayouts(ctx context.Context, payouts []store.PendingPayout) error {
	if len(payouts) == 0 {
		return nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range payouts {
		_, err := tx.Exec(ctx, `
			INSERT INTO payouts (miner_address, amount, share_count, window_start, window_end)
			VALUES ($1, $2, $3, $4, $5)
		`, p.MinerAddress, int64(p.Amount), int64(p.ShareCount), p.WindowStart, p.WindowEnd)
		if err != nil {
			return fmt.Errorf("failed to insert payout: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit payouts: %w", err)
	}

	a.logger.Info("Archived payout batch", "count", len(payouts))
	return nil
}

// RecordBlock archives one found block
func (a *Archive) RecordBlock(ctx context.Context, job *store.JobTemplate, share *store.ShareRecord, reward uint64) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO blocks (job_id, height, miner_address, nonce, reward, found_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, int64(job.Height), share.MinerAddress,
		fmt.Sprintf("%016x", share.Nonce), int64(reward), share.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	a.logger.Info("Archived block", "height", job.Height, "miner", share.MinerAddress)
	return nil
}

// PayoutRow is an archived payout as served over the API
type PayoutRow struct {
	ID           int64     `json:"id"`
	MinerAddress string    `json:"miner_address"`
	Amount       uint64    `json:"amount"`
	ShareCount   uint64    `json:"share_count"`
	ReleasedAt   time.Time `json:"released_at"`
}

// MinerPayouts returns the most recent archived payouts for one miner
func (a *Archive) MinerPayouts(ctx context.Context, address string, limit int) ([]*PayoutRow, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, miner_address, amount, share_count, released_at
		FROM payouts
		WHERE miner_address = $1
		ORDER BY released_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*PayoutRow
	for rows.Next() {
		var p PayoutRow
		var amount, count int64
		if err := rows.Scan(&p.ID, &p.MinerAddress, &amount, &count, &p.ReleasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		p.Amount = uint64(amount)
		p.ShareCount = uint64(count)
		payouts = append(payouts, &p)
	}
	return payouts, rows.Err()
}

// RecentPayouts returns archived payouts across all miners, newest first
func (a *Archive) RecentPayouts(ctx context.Context, limit, offset int) ([]*PayoutRow, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, miner_address, amount, share_count, released_at
		FROM payouts
		ORDER BY released_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*PayoutRow
	for rows.Next() {
		var p PayoutRow
		var amount, count int64
		if err := rows.Scan(&p.ID, &p.MinerAddress, &amount, &count, &p.ReleasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		p.Amount = uint64(amount)
		p.ShareCount = uint64(count)
		payouts = append(payouts, &p)
	}
	return payouts, rows.Err()
}

// TotalPaid returns the all-time archived amount for one miner
func (a *Archive) TotalPaid(ctx context.Context, address string) (uint64, error) {
	var total int64
	err := a.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE miner_address = $1
	`, address).Scan(&total)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to sum payouts: %w", err)
	}
	return uint64(total), nil
}

// BlockRow is an archived block as served over the API
type BlockRow struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Height       uint64    `json:"height"`
	MinerAddress string    `json:"miner_address"`
	Nonce        string    `json:"nonce"`
	Reward       uint64    `json:"reward"`
	FoundAt      time.Time `json:"found_at"`
}

// RecentBlocks returns archived blocks, newest first
func (a *Archive) RecentBlocks(ctx context.Context, limit, offset int) ([]*BlockRow, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, job_id, height, miner_address, nonce, reward, found_at
		FROM blocks
		ORDER BY height DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*BlockRow
	for rows.Next() {
		var b BlockRow
		var height, reward int64
		if err := rows.Scan(&b.ID, &b.JobID, &height, &b.MinerAddress, &b.Nonce, &reward, &b.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		b.Height = uint64(height)
		b.Reward = uint64(reward)
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}
