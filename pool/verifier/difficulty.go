package verifier

import (
	"bytes"
	"math/bits"
)

// BlockDifficultyScale separates block difficulty from share difficulty in
// the reward accounting.
const BlockDifficultyScale = 1000

// ShareDifficulty scores a witness commitment by its leading zero bits:
// every all-zero byte is worth 256, the first non-zero byte adds 32 per
// leading zero bit, and the result is floored at 1. The scaling is part of
// the accounting format and must not change.
func ShareDifficulty(commitment []byte) uint64 {
	var difficulty uint64
	for _, b := range commitment {
		if b == 0 {
			difficulty += 256
			continue
		}
		difficulty += uint64(bits.LeadingZeros8(b)) * 32
		break
	}
	if difficulty < 1 {
		difficulty = 1
	}
	return difficulty
}

// BlockDifficulty derives block difficulty from the network target: each
// leading 0xff byte is worth 256, floored at 1, then scaled.
func BlockDifficulty(target []byte) uint64 {
	var difficulty uint64
	for _, b := range target {
		if b != 0xff {
			break
		}
		difficulty += 256
	}
	if difficulty < 1 {
		difficulty = 1
	}
	return difficulty * BlockDifficultyScale
}

// MeetsTarget reports whether the hash is at or below the target under
// big-endian lexicographic comparison.
func MeetsTarget(hash, target []byte) bool {
	return bytes.Compare(hash, target) <= 0
}
