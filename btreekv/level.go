package btreekv

import (
	"math/bits"

	"lukechampine.com/blake3"
)

// LevelModulus and MaxDepth parameterize the node-level assignment (spec
// §4.2.2): level(key) = leading-zero-bit-count(H(key)) mod LevelModulus,
// capped by MaxDepth. Smaller LevelModulus values produce shallower,
// bushier trees; MaxDepth bounds the worst case for adversarial key sets.
var (
	LevelModulus = 8
	MaxDepth     = 24
)

// LevelFunc computes a key's level. It is a package variable, not a
// constant, so tests can substitute a deterministic stand-in the way
// pagestore.SetJitterRNG substitutes the jitter source.
var LevelFunc = hashLevel

func hashLevel(key []byte) int {
	digest := blake3.Sum256(key)
	word := uint64(0)
	for i := 0; i < 8; i++ {
		word = word<<8 | uint64(digest[i])
	}
	lz := bits.LeadingZeros64(word)
	if word == 0 {
		lz = 64
	}
	level := lz % LevelModulus
	if level > MaxDepth {
		level = MaxDepth
	}
	return level
}
