package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "KeepTrade:genesis:v1"

// GenesisHash is the chain tip before sequence 0.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash links one sequenced command to its predecessor:
// SHA-256(prev || big-endian sequence || digest).
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write(prev[:])
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// hashChain holds the tip of the state hash chain.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: GenesisHash()}
}

// extend appends the command at sequence and returns the new tip.
func (h *hashChain) extend(sequence int64, digest []byte) [32]byte {
	h.tip = ChainHash(h.tip, sequence, digest)
	return h.tip
}
