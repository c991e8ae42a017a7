// Package hashchain implements the optional tamper-evidence chain:
// each entry commits to the previous entry's hash plus the
// block it describes, so truncating or reordering blocks is detectable
// without needing a full external Merkle structure.
package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrChainBroken = errors.New("hashchain: chain verification failed")
	ErrEmptyChain  = errors.New("hashchain: chain is empty")
)

// Entry is one link: it commits to the prior link's hash and the
// (BlockID, payload hash) pair of the block it covers.
type Entry struct {
	Seq         uint64
	BlockID     int64
	PayloadHash [32]byte
	PrevHash    [32]byte
	Hash        [32]byte
}

// Manager appends entries and can verify the whole chain, optionally
// against the current contents of the blocks it covers.
type Manager struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Manager { return &Manager{} }

// Append commits blockID/payload to the chain and returns the new entry.
func (m *Manager) Append(blockID int64, payload []byte) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev [32]byte
	seq := uint64(0)
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].Hash
		seq = m.entries[n-1].Seq + 1
	}

	payloadHash := sha256.Sum256(payload)
	e := Entry{
		Seq:         seq,
		BlockID:     blockID,
		PayloadHash: payloadHash,
		PrevHash:    prev,
	}
	e.Hash = linkHash(e)
	m.entries = append(m.entries, e)
	return e
}

// linkHash is SHA-256(seq || block_id || prev_hash || payload_hash).
func linkHash(e Entry) [32]byte {
	buf := make([]byte, 8+8+32+32)
	binary.BigEndian.PutUint64(buf[0:8], e.Seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.BlockID))
	copy(buf[16:48], e.PrevHash[:])
	copy(buf[48:80], e.PayloadHash[:])
	return sha256.Sum256(buf)
}

// Entries returns a copy of the full chain in append order.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Load replaces the in-memory chain with entries read back from storage
// (e.g. the TypeHashChain block), without re-deriving hashes; callers
// should call Verify afterward if they want integrity confirmed.
func (m *Manager) Load(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]Entry(nil), entries...)
}

// Verify walks the whole chain and confirms each entry's Hash matches
// linkHash(entry) and that PrevHash matches the preceding entry's Hash.
// payloadOf, when non-nil, is used to additionally confirm PayloadHash
// against the actual current block contents (catching silent block
// corruption the block-level checksums somehow missed or a block that was
// swapped for another of identical length).
func (m *Manager) Verify(payloadOf func(blockID int64) ([]byte, bool)) error {
	m.mu.Lock()
	entries := append([]Entry(nil), m.entries...)
	m.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	var prev [32]byte
	for i, e := range entries {
		if i > 0 && e.PrevHash != prev {
			return errors.Wrapf(ErrChainBroken, "entry %d: prev hash mismatch", e.Seq)
		}
		if linkHash(e) != e.Hash {
			return errors.Wrapf(ErrChainBroken, "entry %d: self hash mismatch", e.Seq)
		}
		if payloadOf != nil {
			if payload, ok := payloadOf(e.BlockID); ok {
				if sha256.Sum256(payload) != e.PayloadHash {
					return errors.Wrapf(ErrChainBroken, "entry %d: block %d payload hash mismatch", e.Seq, e.BlockID)
				}
			}
		}
		prev = e.Hash
	}
	return nil
}

// Head returns the most recent entry's hash, or the zero hash if the chain
// is empty.
func (m *Manager) Head() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return [32]byte{}
	}
	return m.entries[len(m.entries)-1].Hash
}
