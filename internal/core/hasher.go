package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "MarginRisk:genesis:v1"

// StateHasher chains risk events:
// state_hash[N] = SHA-256(prev_hash || sequence || digest[N]).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Resume continues a chain whose tip is prev, as read back from the event log.
func (h *StateHasher) Resume(prev [32]byte) {
	h.prevHash = prev
}

func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}
