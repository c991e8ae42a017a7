// Package maint implements supersession tracking, the transaction log, and
// background compaction. Orphan identification intersects the persisted
// superseded set with what the last scan actually found on disk.
package maint

import (
	"sync"
	"time"

	deckset "github.com/deckarep/golang-set/v2"
	"github.com/google/btree"
)

// Record is one (block_id, block_type, superseded_at, reason) tuple.
type Record struct {
	BlockID      int64
	BlockType    uint8
	SupersededAt time.Time
	Reason       string
}

// recordLess orders Records by SupersededAt, breaking ties on BlockID so
// two blocks superseded in the same instant both get a stable slot in the
// tree (google/btree is a set, keyed on this comparator, not on BlockID
// alone).
func recordLess(a, b Record) bool {
	if a.SupersededAt.Equal(b.SupersededAt) {
		return a.BlockID < b.BlockID
	}
	return a.SupersededAt.Before(b.SupersededAt)
}

// Tracker maintains the persisted list of superseded blocks and can
// compute the orphan set relative to a live/reachable set supplied by the
// caller (the façade, which knows every current root pointer). Records are
// kept in a google/btree ordered by SupersededAt so IdentifyOrphans' age
// threshold can stop scanning as soon as it reaches blocks too young to
// collect, instead of a full linear pass over every superseded block ever
// recorded.
type Tracker struct {
	mu   sync.Mutex
	tree *btree.BTreeG[Record]
}

func NewTracker() *Tracker {
	return &Tracker{tree: btree.NewG(32, recordLess)}
}

// Record appends one superseded-block entry.
func (t *Tracker) Record(blockID int64, blockType uint8, reason string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(Record{BlockID: blockID, BlockType: blockType, SupersededAt: at, Reason: reason})
}

// Records returns the full superseded list, oldest SupersededAt first.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, t.tree.Len())
	t.tree.Ascend(func(r Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Load replaces the in-memory list, used when rehydrating from a
// Metadata-referenced log on open.
func (t *Tracker) Load(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Clear(false)
	for _, r := range records {
		t.tree.ReplaceOrInsert(r)
	}
}

// IdentifyOrphans intersects the tracker's superseded set against
// scannedBlockIDs (the store's current scan result) and subtracts
// reachableBlockIDs (every block transitively reachable from the live
// header/metadata/folder-tree/index roots), mirroring
// buildBlackListForPruning's set-algebra shape: candidates are blocks that
// are both present on disk and known-superseded, and are not (by
// construction) reachable from any live root. Ascending over the
// SupersededAt-ordered tree lets the scan stop the moment it reaches a
// record younger than minAge, rather than visiting the whole set.
func (t *Tracker) IdentifyOrphans(scannedBlockIDs []int64, reachableBlockIDs []int64, minAge time.Duration, now time.Time) []Record {
	cutoff := now.Add(-minAge)

	t.mu.Lock()
	var eligible []Record
	t.tree.Ascend(func(r Record) bool {
		if r.SupersededAt.After(cutoff) {
			return false
		}
		eligible = append(eligible, r)
		return true
	})
	t.mu.Unlock()

	scanned := deckset.NewSet(scannedBlockIDs...)
	reachable := deckset.NewSet(reachableBlockIDs...)

	var out []Record
	for _, r := range eligible {
		if !scanned.Contains(r.BlockID) {
			continue
		}
		if reachable.Contains(r.BlockID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Forget drops records for blockIDs that have been physically removed by
// compaction, so the tracker doesn't grow unbounded across the file's
// lifetime.
func (t *Tracker) Forget(blockIDs []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	drop := deckset.NewSet(blockIDs...)

	var toDelete []Record
	t.tree.Ascend(func(r Record) bool {
		if drop.Contains(r.BlockID) {
			toDelete = append(toDelete, r)
		}
		return true
	})
	for _, r := range toDelete {
		t.tree.Delete(r)
	}
}
