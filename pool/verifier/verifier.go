// Package verifier implements the computational core of share acceptance:
// computation-proof generation and spot-check verification, share and block
// difficulty scoring, and target comparison. Everything here is pure CPU
// work; no I/O, no suspension.
package verifier

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	sha256 "github.com/minio/sha256-simd"

	"github.com/starkforge/starkpool/pool/store"
)

// StepsPerWitnessByte converts witness size into an estimated step count
// when generating a proof locally.
const StepsPerWitnessByte = 100

// Oracle produces the partial-witness serialization for one nonce. A real
// deployment supplies an oracle backed by the STARK prover; WitnessOracle
// stands in everywhere else.
type Oracle interface {
	PartialWitness(commitment []byte, nonce uint64) []byte
}

// WitnessOracle is the built-in Oracle: the block commitment followed by the
// little-endian nonce.
type WitnessOracle struct{}

func (WitnessOracle) PartialWitness(commitment []byte, nonce uint64) []byte {
	buf := make([]byte, len(commitment)+8)
	copy(buf, commitment)
	binary.LittleEndian.PutUint64(buf[len(commitment):], nonce)
	return buf
}

// Proof is sampled evidence that a miner evaluated partial witnesses across
// a nonce range. Each intermediate hash is the state of a rolling SHA-256
// after folding in one sampled witness; the witness commitment is the final
// rolling digest.
type Proof struct {
	WitnessCommitment  []byte
	Range              store.NonceRange
	ComputationSteps   uint64
	IntermediateHashes [][]byte
}

// Verifier generates and spot-checks computation proofs against a witness
// oracle.
type Verifier struct {
	oracle Oracle
}

// New returns a Verifier backed by the given oracle. A nil oracle selects
// the built-in WitnessOracle.
func New(oracle Oracle) *Verifier {
	if oracle == nil {
		oracle = WitnessOracle{}
	}
	return &Verifier{oracle: oracle}
}

// Generate samples the nonce range at the given rate and builds the proof a
// miner would submit for it. Nonces are taken every span/sampleRate steps
// (stride floor 1, stopping at the range end); each sampled witness is
// folded into the rolling digest and the running state recorded per sample.
func (v *Verifier) Generate(commitment []byte, nr store.NonceRange, sampleRate int) *Proof {
	h := sha256.New()
	proof := &Proof{Range: nr}

	step := nr.Span() / uint64(sampleRate)
	if step == 0 {
		step = 1
	}
	for i := 0; i < sampleRate; i++ {
		nonce := nr.Start + uint64(i)*step
		if nonce >= nr.End {
			break
		}
		witness := v.oracle.PartialWitness(commitment, nonce)
		h.Write(witness)
		proof.IntermediateHashes = append(proof.IntermediateHashes, h.Sum(nil))
		proof.ComputationSteps += uint64(len(witness)) * StepsPerWitnessByte
	}
	proof.WitnessCommitment = h.Sum(nil)
	return proof
}

// Verify spot-checks a proof against the block commitment. Each check draws
// a random nonce from the proof's range, recomputes its witness hash, and
// requires an intermediate hash with the same first 8 bytes. The prefix
// match absorbs sampling aliasing; tightening it to full-digest equality
// would reject previously accepted shares.
func (v *Verifier) Verify(proof *Proof, commitment []byte, spotChecks int) bool {
	span := proof.Range.Span()
	if span == 0 {
		return false
	}
	for i := 0; i < spotChecks; i++ {
		nonce := proof.Range.Start + rand.Uint64()%span
		witness := v.oracle.PartialWitness(commitment, nonce)
		hash := sha256.Sum256(witness)
		if !matchesAnyPrefix(proof.IntermediateHashes, hash[:8]) {
			return false
		}
	}
	return true
}

func matchesAnyPrefix(hashes [][]byte, prefix []byte) bool {
	for _, h := range hashes {
		if len(h) >= len(prefix) && bytes.Equal(h[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
