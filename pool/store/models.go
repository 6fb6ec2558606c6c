package store

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	sha256 "github.com/minio/sha256-simd"
)

// HexBytes is a byte slice that round-trips through JSON as a lowercase hex
// string. All commitment, target and proof fields use it on the wire and in
// stored records.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hex field must be a string: %w", err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex value: %w", err)
	}
	*h = b
	return nil
}

// String returns the lowercase hex encoding.
func (h HexBytes) String() string { return hex.EncodeToString(h) }

// BigInt is a non-negative big.Int that serializes as a decimal string. It
// backs the 128-bit difficulty accumulators, which can exceed uint64 on
// long-lived miners.
type BigInt struct {
	big.Int
}

// NewBigInt returns a BigInt holding v.
func NewBigInt(v uint64) BigInt {
	var b BigInt
	b.SetUint64(v)
	return b
}

// Add64 adds v in place.
func (b *BigInt) Add64(v uint64) {
	var x big.Int
	x.SetUint64(v)
	b.Int.Add(&b.Int, &x)
}

// Clone returns an independent copy.
func (b *BigInt) Clone() BigInt {
	var c BigInt
	c.Int.Set(&b.Int)
	return c
}

// MarshalJSON implements json.Marshaler.
func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON implements json.Unmarshaler. Both decimal strings and bare
// JSON numbers are accepted.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid integer value %q", s)
	}
	return nil
}

// MinerRecord is the per-miner accounting row, keyed by wallet address.
// Records are never deleted; disconnected miners are marked inactive.
type MinerRecord struct {
	Address          string    `json:"address"`
	WorkerName       string    `json:"worker_name"`
	SharesSubmitted  uint64    `json:"shares_submitted"`
	SharesValid      uint64    `json:"shares_valid"`
	LastShareTime    time.Time `json:"last_share_time"`
	TotalDifficulty  BigInt    `json:"total_difficulty"`
	RegistrationTime time.Time `json:"registration_time"`
	IsActive         bool      `json:"is_active"`
}

// NewMinerRecord returns a fresh active record for address.
func NewMinerRecord(address, workerName string) *MinerRecord {
	now := time.Now().UTC()
	return &MinerRecord{
		Address:          address,
		WorkerName:       workerName,
		LastShareTime:    now,
		RegistrationTime: now,
		IsActive:         true,
	}
}

// ShareRecord is one accepted unit of work. Immutable after creation and
// subject to the 24h ledger TTL.
type ShareRecord struct {
	ID           string    `json:"id"`
	MinerAddress string    `json:"miner_address"`
	JobID        string    `json:"job_id"`
	Nonce        uint64    `json:"nonce"`
	Difficulty   uint64    `json:"difficulty"`
	Timestamp    time.Time `json:"timestamp"`
	IsValid      bool      `json:"is_valid"`
	IsBlock      bool      `json:"is_block"`
	RewardUnits  uint64    `json:"reward_units"`
}

// NonceRange is a half-open interval [Start, End) of nonces allocated to one
// miner for a job.
type NonceRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Span returns the number of nonces in the range.
func (r NonceRange) Span() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// JobTemplate describes one unit of mineable work. shareTarget is easier
// (numerically larger) than target. At most one template is current.
type JobTemplate struct {
	ID              string                `json:"id"`
	BlockCommitment HexBytes              `json:"block_commitment"`
	Target          HexBytes              `json:"target"`
	ShareTarget     HexBytes              `json:"share_target"`
	Timestamp       time.Time             `json:"timestamp"`
	NonceRanges     map[string]NonceRange `json:"nonce_ranges"`
	Height          uint64                `json:"height"`
	PreviousBlock   HexBytes              `json:"previous_block"`
}

// NonceRangeFor derives the deterministic nonce range for minerID when the
// keyspace is split across totalMiners. The miner's slot comes from the
// first 8 bytes of SHA-256(minerID), so two miners can collide on a slot;
// duplicate detection still keys shares by (job, miner, nonce).
func NonceRangeFor(minerID string, totalMiners int) NonceRange {
	if totalMiners < 1 {
		totalMiners = 1
	}
	rangeSize := math.MaxUint64 / uint64(totalMiners)
	sum := sha256.Sum256([]byte(minerID))
	index := binary.LittleEndian.Uint64(sum[:8]) % uint64(totalMiners)

	start := index * rangeSize
	end := uint64(math.MaxUint64)
	if index != uint64(totalMiners-1) {
		end = (index + 1) * rangeSize
	}
	return NonceRange{Start: start, End: end}
}

// MinerReputation tracks share quality per miner. Score stays within
// [0.1, 2.0]; new miners start at 1.0.
type MinerReputation struct {
	MinerAddress    string     `json:"miner_address"`
	ValidShares     uint64     `json:"valid_shares"`
	InvalidShares   uint64     `json:"invalid_shares"`
	BlocksFound     uint64     `json:"blocks_found"`
	LastBlockTime   *time.Time `json:"last_block_time"`
	ReputationScore float64    `json:"reputation_score"`
}

// NewMinerReputation returns a neutral reputation for address.
func NewMinerReputation(address string) *MinerReputation {
	return &MinerReputation{
		MinerAddress:    address,
		ReputationScore: 1.0,
	}
}

// UpdateScore recomputes the reputation score from the counters:
// 70% weight on the valid-share ratio, 30% on found blocks relative to the
// expectation of one block per 100k valid shares, clamped to [0.1, 2.0].
func (r *MinerReputation) UpdateScore() {
	total := r.ValidShares + r.InvalidShares
	if total < 1 {
		total = 1
	}
	validRatio := float64(r.ValidShares) / float64(total)

	expectedBlocks := float64(r.ValidShares) * 1e-5
	if expectedBlocks < 1.0 {
		expectedBlocks = 1.0
	}
	blockRatio := float64(r.BlocksFound) / expectedBlocks
	if blockRatio > 2.0 {
		blockRatio = 2.0
	}

	score := validRatio*0.7 + blockRatio*0.3
	if score < 0.1 {
		score = 0.1
	}
	if score > 2.0 {
		score = 2.0
	}
	r.ReputationScore = score
}

// PendingPayout is one computed reward slice, consumed by the external
// payout broadcaster.
type PendingPayout struct {
	MinerAddress string    `json:"miner_address"`
	Amount       uint64    `json:"amount"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	ShareCount   uint64    `json:"share_count"`
}

// PayoutQueue holds payouts awaiting release plus release accounting.
type PayoutQueue struct {
	PendingPayouts []PendingPayout `json:"pending_payouts"`
	LastPayoutTime time.Time       `json:"last_payout_time"`
	TotalPaid      uint64          `json:"total_paid"`
}

// PoolStats is the derived pool-wide snapshot. Never authoritative.
type PoolStats struct {
	TotalHashrate          float64 `json:"total_hashrate"`
	ActiveMiners           uint64  `json:"active_miners"`
	SharesPerSecond        float64 `json:"shares_per_second"`
	AverageShareDifficulty uint64  `json:"average_share_difficulty"`
	BlocksFound24h         uint64  `json:"blocks_found_24h"`
	TotalPaid24h           uint64  `json:"total_paid_24h"`
	PoolFeePercent         float64 `json:"pool_fee_percent"`
}
