package upstream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	sha256 "github.com/minio/sha256-simd"

	"github.com/starkforge/starkpool/pool/store"
)

// StaticSource serves synthetic block templates without a node, for
// development and tests. Each template advances the height and derives the
// next block commitment from the previous one, so jobs stay distinct.
type StaticSource struct {
	mu         sync.Mutex
	height     uint64
	commitment [32]byte
	target     store.HexBytes
	reward     uint64
}

// NewStaticSource creates a source starting from a random commitment.
// target is the block target served with every template; a nil target
// selects one easy enough for development miners.
func NewStaticSource(target []byte, reward uint64) *StaticSource {
	s := &StaticSource{reward: reward}
	rand.Read(s.commitment[:])

	if len(target) == 0 {
		target = make([]byte, 32)
		for i := range target {
			target[i] = 0xff
		}
	}
	s.target = append(store.HexBytes(nil), target...)
	return s
}

// GetBlockTemplate returns the next synthetic template
func (s *StaticSource) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.commitment

	var buf [40]byte
	copy(buf[:32], s.commitment[:])
	binary.LittleEndian.PutUint64(buf[32:], s.height)
	s.commitment = sha256.Sum256(buf[:])
	s.height++

	return &BlockTemplate{
		Height:          s.height,
		PreviousBlock:   append(store.HexBytes(nil), prev[:]...),
		BlockCommitment: append(store.HexBytes(nil), s.commitment[:]...),
		Target:          append(store.HexBytes(nil), s.target...),
		Reward:          s.reward,
	}, nil
}
