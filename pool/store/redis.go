package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on a Redis backend. Records are stored as
// JSON values; the share ledger is indexed by two sorted sets scored by
// Unix timestamp.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance at url (redis://...) and
// verifies the connection.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetMiner returns the miner record for address, or (nil, nil).
func (s *RedisStore) GetMiner(ctx context.Context, address string) (*MinerRecord, error) {
	var m MinerRecord
	ok, err := s.getJSON(ctx, minerKey(address), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// PutMiner persists the miner record and adds the address to the active set.
func (s *RedisStore) PutMiner(ctx context.Context, m *MinerRecord) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal miner: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, minerKey(m.Address), value, 0)
	pipe.SAdd(ctx, keyActiveMiners, m.Address)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save miner: %w", err)
	}
	return nil
}

// ListActiveMiners returns the members of miners:active.
func (s *RedisStore) ListActiveMiners(ctx context.Context) ([]string, error) {
	miners, err := s.client.SMembers(ctx, keyActiveMiners).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active miners: %w", err)
	}
	return miners, nil
}

// PutShare persists a share record. The (job, miner, nonce) tuple is claimed
// with SETNX so a resubmission fails with ErrDuplicateShare even when the
// record ids differ.
func (s *RedisStore) PutShare(ctx context.Context, share *ShareRecord) error {
	claimed, err := s.client.SetNX(ctx, shareSeenKey(share.JobID, share.MinerAddress, share.Nonce), "1", ShareTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to claim share tuple: %w", err)
	}
	if !claimed {
		return ErrDuplicateShare
	}

	exists, err := s.client.Exists(ctx, shareKey(share.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check share: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateShare
	}

	value, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to marshal share: %w", err)
	}

	score := float64(share.Timestamp.Unix())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, shareKey(share.ID), value, ShareTTL)
	pipe.ZAdd(ctx, minerSharesKey(share.MinerAddress), &redis.Z{Score: score, Member: share.ID})
	pipe.ZAdd(ctx, keySharesWindow, &redis.Z{Score: score, Member: share.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save share: %w", err)
	}
	return nil
}

// ShareSeen reports whether the duplicate-detection tuple exists.
func (s *RedisStore) ShareSeen(ctx context.Context, jobID, minerAddress string, nonce uint64) (bool, error) {
	exists, err := s.client.Exists(ctx, shareSeenKey(jobID, minerAddress, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check share tuple: %w", err)
	}
	return exists > 0, nil
}

// SharesInWindow fetches the share records indexed between start and end
// inclusive. Ids whose records have expired are skipped.
func (s *RedisStore) SharesInWindow(ctx context.Context, start, end time.Time) ([]ShareRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, keySharesWindow, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		Max: strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan share window: %w", err)
	}

	shares := make([]ShareRecord, 0, len(ids))
	for _, id := range ids {
		var rec ShareRecord
		ok, err := s.getJSON(ctx, shareKey(id), &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			shares = append(shares, rec)
		}
	}
	return shares, nil
}

// CleanupShares drops window index entries with score <= before.
func (s *RedisStore) CleanupShares(ctx context.Context, before time.Time) (int64, error) {
	removed, err := s.client.ZRemRangeByScore(ctx, keySharesWindow, "0", strconv.FormatInt(before.Unix(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clean up shares: %w", err)
	}
	return removed, nil
}

// PutJob persists a job template with JobTTL and marks it current.
func (s *RedisStore) PutJob(ctx context.Context, j *JobTemplate) error {
	value, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, jobKey(j.ID), value, JobTTL)
	pipe.Set(ctx, keyCurrentJob, j.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob returns the job template by id, or (nil, nil) when expired/unknown.
func (s *RedisStore) GetJob(ctx context.Context, id string) (*JobTemplate, error) {
	var j JobTemplate
	ok, err := s.getJSON(ctx, jobKey(id), &j)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}

// CurrentJob resolves the job:current pointer.
func (s *RedisStore) CurrentJob(ctx context.Context) (*JobTemplate, error) {
	id, err := s.client.Get(ctx, keyCurrentJob).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current job pointer: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetReputation returns the reputation for address, or (nil, nil).
func (s *RedisStore) GetReputation(ctx context.Context, address string) (*MinerReputation, error) {
	var r MinerReputation
	ok, err := s.getJSON(ctx, reputationKey(address), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// PutReputation persists the reputation record.
func (s *RedisStore) PutReputation(ctx context.Context, r *MinerReputation) error {
	return s.putJSON(ctx, reputationKey(r.MinerAddress), r, 0)
}

// PutPoolStats persists the derived pool statistics snapshot.
func (s *RedisStore) PutPoolStats(ctx context.Context, stats *PoolStats) error {
	return s.putJSON(ctx, keyPoolStats, stats, 0)
}

// GetPoolStats returns the last persisted stats snapshot, or (nil, nil).
func (s *RedisStore) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	var stats PoolStats
	ok, err := s.getJSON(ctx, keyPoolStats, &stats)
	if err != nil || !ok {
		return nil, err
	}
	return &stats, nil
}

// GetPayoutQueue returns the persisted payout queue, or (nil, nil).
func (s *RedisStore) GetPayoutQueue(ctx context.Context) (*PayoutQueue, error) {
	var q PayoutQueue
	ok, err := s.getJSON(ctx, keyPayoutQueue, &q)
	if err != nil || !ok {
		return nil, err
	}
	return &q, nil
}

// PutPayoutQueue persists the payout queue.
func (s *RedisStore) PutPayoutQueue(ctx context.Context, q *PayoutQueue) error {
	return s.putJSON(ctx, keyPayoutQueue, q, 0)
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}
