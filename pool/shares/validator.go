package shares

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sha256 "github.com/minio/sha256-simd"

	"github.com/starkforge/starkpool/pool/store"
	"github.com/starkforge/starkpool/pool/verifier"
)

const (
	// SpotCheckCount is how many random nonces the verifier probes per
	// computation proof.
	SpotCheckCount = 5

	// BlockRewardUnits is the fixed reward-unit weight of a full block
	// solution in the payout window.
	BlockRewardUnits = 1_000_000
)

var (
	// ErrInvalidProof is returned when a computation proof fails its spot
	// checks.
	ErrInvalidProof = errors.New("Invalid proof")

	// ErrInsufficientDifficulty is returned when a claimed block's proof
	// hash does not meet the job target.
	ErrInsufficientDifficulty = errors.New("Insufficient difficulty")

	// ErrInvalidSubmission is returned when a submission carries no share
	// variant.
	ErrInvalidSubmission = errors.New("Invalid submission format")
)

// Config holds validator configuration.
type Config struct {
	Logger *slog.Logger
}

// DefaultConfig returns default validator configuration.
func DefaultConfig() Config {
	return Config{
		Logger: slog.Default(),
	}
}

// Validator checks submitted shares: duplicate detection against the store,
// proof verification, then difficulty and reward-unit classification.
type Validator struct {
	store    store.Store
	verifier *verifier.Verifier
	logger   *slog.Logger
}

// NewValidator creates a share validator over the given store and verifier.
func NewValidator(cfg Config, st store.Store, v *verifier.Verifier) *Validator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if v == nil {
		v = verifier.New(nil)
	}
	return &Validator{
		store:    st,
		verifier: v,
		logger:   cfg.Logger.With("component", "validator"),
	}
}

// Validate runs the full acceptance pipeline for one submission. A non-nil
// Validation is returned only for accepted shares; rejections surface as
// ErrInvalidProof, ErrInsufficientDifficulty, store.ErrDuplicateShare or
// store.ErrJobNotFound.
func (v *Validator) Validate(ctx context.Context, sub *Submission) (*Validation, error) {
	nonce, ok := sub.ShareType.Nonce()
	if !ok {
		return nil, ErrInvalidSubmission
	}

	seen, err := v.store.ShareSeen(ctx, sub.JobID, sub.MinerID, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate: %w", err)
	}
	if seen {
		return nil, store.ErrDuplicateShare
	}

	job, err := v.store.GetJob(ctx, sub.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, sub.JobID)
	}

	if sub.ShareType.ComputationProof != nil {
		return v.validateComputation(job, sub.MinerID, sub.ShareType.ComputationProof)
	}
	return v.validateBlock(job, sub.MinerID, sub.ShareType.ValidBlock)
}

// validateComputation reconstructs the single-nonce proof a computation
// share stands for and spot-checks it against the job's block commitment.
func (v *Validator) validateComputation(job *store.JobTemplate, minerID string, cp *ComputationProofShare) (*Validation, error) {
	proof := &verifier.Proof{
		WitnessCommitment:  cp.WitnessCommitment,
		Range:              store.NonceRange{Start: cp.Nonce, End: cp.Nonce + 1},
		ComputationSteps:   cp.ComputationSteps,
		IntermediateHashes: [][]byte{cp.WitnessCommitment},
	}
	if !v.verifier.Verify(proof, job.BlockCommitment, SpotCheckCount) {
		v.logger.Debug("Computation proof failed spot checks",
			"job_id", job.ID,
			"miner", minerID,
			"nonce", cp.Nonce)
		return nil, ErrInvalidProof
	}

	difficulty := verifier.ShareDifficulty(cp.WitnessCommitment)
	return &Validation{
		IsValid:     true,
		Difficulty:  difficulty,
		IsBlock:     false,
		RewardUnits: difficulty * cp.ComputationSteps,
	}, nil
}

// validateBlock hashes the claimed block proof and compares it against the
// job target.
func (v *Validator) validateBlock(job *store.JobTemplate, minerID string, vb *ValidBlockShare) (*Validation, error) {
	hash := sha256.Sum256(vb.Proof)
	if !verifier.MeetsTarget(hash[:], job.Target) {
		v.logger.Debug("Block proof above target",
			"job_id", job.ID,
			"miner", minerID,
			"nonce", vb.Nonce)
		return nil, ErrInsufficientDifficulty
	}

	v.logger.Info("Block solution accepted",
		"job_id", job.ID,
		"miner", minerID,
		"nonce", vb.Nonce,
		"height", job.Height)
	return &Validation{
		IsValid:     true,
		Difficulty:  verifier.BlockDifficulty(job.Target),
		IsBlock:     true,
		RewardUnits: BlockRewardUnits,
	}, nil
}
