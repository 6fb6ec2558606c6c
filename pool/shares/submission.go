// Package shares defines the share submission wire format and the validator
// that turns raw submissions into accounted work: duplicate suppression,
// proof verification, difficulty classification, and reward-unit assignment.
package shares

import (
	"github.com/starkforge/starkpool/pool/store"
)

// ComputationProofShare is partial-witness work below block difficulty. The
// witness commitment is the SHA-256 of the miner's witness bytes for the
// nonce; computation steps are the miner's own effort estimate and scale the
// share's reward units.
type ComputationProofShare struct {
	Nonce             uint64         `json:"nonce"`
	WitnessCommitment store.HexBytes `json:"witness_commitment"`
	ComputationSteps  uint64         `json:"computation_steps"`
}

// ValidBlockShare carries a full proof-of-work solution.
type ValidBlockShare struct {
	Nonce uint64         `json:"nonce"`
	Proof store.HexBytes `json:"proof"`
}

// ShareType is the tagged union of the two share variants. Exactly one field
// is set; the JSON form is {"ComputationProof": {...}} or
// {"ValidBlock": {...}}.
type ShareType struct {
	ComputationProof *ComputationProofShare `json:"ComputationProof,omitempty"`
	ValidBlock       *ValidBlockShare       `json:"ValidBlock,omitempty"`
}

// Nonce extracts the nonce from whichever variant is present.
func (st *ShareType) Nonce() (uint64, bool) {
	switch {
	case st.ComputationProof != nil:
		return st.ComputationProof.Nonce, true
	case st.ValidBlock != nil:
		return st.ValidBlock.Nonce, true
	}
	return 0, false
}

// IsBlock reports whether the submission claims a full block solution.
func (st *ShareType) IsBlock() bool {
	return st.ValidBlock != nil
}

// Submission is one unit of submitted work as it arrives over the wire.
// MinerID is the miner's pool address as passed to mining.authorize.
type Submission struct {
	JobID     string    `json:"job_id"`
	MinerID   string    `json:"miner_id"`
	ShareType ShareType `json:"share_type"`
}

// Validation is the outcome of validating one submission. Difficulty and
// reward units feed the payout window; IsBlock routes the submission to the
// block pipeline.
type Validation struct {
	IsValid     bool   `json:"is_valid"`
	Difficulty  uint64 `json:"difficulty"`
	IsBlock     bool   `json:"is_block"`
	RewardUnits uint64 `json:"reward_units"`
}
