package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store with the same key and TTL semantics as
// RedisStore. It backs tests and single-node development runs where no
// Redis is configured.
type MemStore struct {
	mu     sync.RWMutex
	kv     map[string]memEntry
	zsets  map[string]map[string]int64
	active map[string]struct{}
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:     make(map[string]memEntry),
		zsets:  make(map[string]map[string]int64),
		active: make(map[string]struct{}),
	}
}

// Ping implements Store.
func (s *MemStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (s *MemStore) Close() error { return nil }

// GetMiner implements Store.
func (s *MemStore) GetMiner(ctx context.Context, address string) (*MinerRecord, error) {
	var m MinerRecord
	ok, err := s.getJSON(minerKey(address), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// PutMiner implements Store.
func (s *MemStore) PutMiner(ctx context.Context, m *MinerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setJSON(minerKey(m.Address), m, 0); err != nil {
		return err
	}
	s.active[m.Address] = struct{}{}
	return nil
}

// ListActiveMiners implements Store.
func (s *MemStore) ListActiveMiners(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	miners := make([]string, 0, len(s.active))
	for addr := range s.active {
		miners = append(miners, addr)
	}
	sort.Strings(miners)
	return miners, nil
}

// PutShare implements Store.
func (s *MemStore) PutShare(ctx context.Context, share *ShareRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seenKey := shareSeenKey(share.JobID, share.MinerAddress, share.Nonce)
	if e, ok := s.kv[seenKey]; ok && !e.expired(now) {
		return ErrDuplicateShare
	}
	if e, ok := s.kv[shareKey(share.ID)]; ok && !e.expired(now) {
		return ErrDuplicateShare
	}

	s.kv[seenKey] = memEntry{value: []byte("1"), expiresAt: now.Add(ShareTTL)}
	if err := s.setJSON(shareKey(share.ID), share, ShareTTL); err != nil {
		return err
	}
	score := share.Timestamp.Unix()
	s.zadd(minerSharesKey(share.MinerAddress), share.ID, score)
	s.zadd(keySharesWindow, share.ID, score)
	return nil
}

// ShareSeen implements Store.
func (s *MemStore) ShareSeen(ctx context.Context, jobID, minerAddress string, nonce uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.kv[shareSeenKey(jobID, minerAddress, nonce)]
	return ok && !e.expired(time.Now()), nil
}

// SharesInWindow implements Store.
func (s *MemStore) SharesInWindow(ctx context.Context, start, end time.Time) ([]ShareRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		id    string
		score int64
	}
	var ids []scored
	for id, score := range s.zsets[keySharesWindow] {
		if score >= start.Unix() && score <= end.Unix() {
			ids = append(ids, scored{id: id, score: score})
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].score != ids[j].score {
			return ids[i].score < ids[j].score
		}
		return ids[i].id < ids[j].id
	})

	shares := make([]ShareRecord, 0, len(ids))
	now := time.Now()
	for _, sc := range ids {
		e, ok := s.kv[shareKey(sc.id)]
		if !ok || e.expired(now) {
			continue
		}
		var rec ShareRecord
		if err := json.Unmarshal(e.value, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal share %s: %w", sc.id, err)
		}
		shares = append(shares, rec)
	}
	return shares, nil
}

// CleanupShares implements Store.
func (s *MemStore) CleanupShares(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.zsets[keySharesWindow]
	var removed int64
	for id, score := range window {
		if score <= before.Unix() {
			delete(window, id)
			removed++
		}
	}
	return removed, nil
}

// PutJob implements Store.
func (s *MemStore) PutJob(ctx context.Context, j *JobTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setJSON(jobKey(j.ID), j, JobTTL); err != nil {
		return err
	}
	s.kv[keyCurrentJob] = memEntry{value: []byte(j.ID)}
	return nil
}

// GetJob implements Store.
func (s *MemStore) GetJob(ctx context.Context, id string) (*JobTemplate, error) {
	var j JobTemplate
	ok, err := s.getJSON(jobKey(id), &j)
	if err != nil || !ok {
		return nil, err
	}
	return &j, nil
}

// CurrentJob implements Store.
func (s *MemStore) CurrentJob(ctx context.Context) (*JobTemplate, error) {
	s.mu.RLock()
	e, ok := s.kv[keyCurrentJob]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	return s.GetJob(ctx, string(e.value))
}

// GetReputation implements Store.
func (s *MemStore) GetReputation(ctx context.Context, address string) (*MinerReputation, error) {
	var r MinerReputation
	ok, err := s.getJSON(reputationKey(address), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// PutReputation implements Store.
func (s *MemStore) PutReputation(ctx context.Context, r *MinerReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setJSON(reputationKey(r.MinerAddress), r, 0)
}

// PutPoolStats implements Store.
func (s *MemStore) PutPoolStats(ctx context.Context, stats *PoolStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setJSON(keyPoolStats, stats, 0)
}

// GetPoolStats implements Store.
func (s *MemStore) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	var stats PoolStats
	ok, err := s.getJSON(keyPoolStats, &stats)
	if err != nil || !ok {
		return nil, err
	}
	return &stats, nil
}

// GetPayoutQueue implements Store.
func (s *MemStore) GetPayoutQueue(ctx context.Context) (*PayoutQueue, error) {
	var q PayoutQueue
	ok, err := s.getJSON(keyPayoutQueue, &q)
	if err != nil || !ok {
		return nil, err
	}
	return &q, nil
}

// PutPayoutQueue implements Store.
func (s *MemStore) PutPayoutQueue(ctx context.Context, q *PayoutQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setJSON(keyPayoutQueue, q, 0)
}

// setJSON stores v marshaled under key; the caller must hold mu.
func (s *MemStore) setJSON(key string, v interface{}, ttl time.Duration) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = e
	return nil
}

func (s *MemStore) getJSON(key string, out interface{}) (bool, error) {
	s.mu.RLock()
	e, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	if err := json.Unmarshal(e.value, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// zadd inserts or updates a member score; the caller must hold mu.
func (s *MemStore) zadd(key, member string, score int64) {
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]int64)
		s.zsets[key] = set
	}
	set[member] = score
}
