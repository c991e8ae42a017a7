// Package index implements the LSM-tree-inspired key/value indexes:
// message-id, envelope-hash, folder-membership, and
// search-term, each backed by an in-memory mutable segment plus a stack
// of immutable on-disk segments merged periodically by compaction.
package index

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

var (
	ErrNotFound         = errors.New("index: not found")
	ErrKeyTypeMismatch  = errors.New("index: key type mismatch")
)

// SegmentStore is the narrow persistence interface a Tree needs: append a
// new segment's bytes as a block and get one back by id. The emaildb
// façade supplies an implementation backed by *block.Store + codec.Codec.
type SegmentStore interface {
	AppendSegment(indexName string, id int64, payload []byte) (int64, error)
	ReadSegment(blockID int64) ([]byte, error)
}

// mutableEntry is entry as stored in the mutable segment's btree
// (tidwall/btree keeps the set ordered by Key only).
type mutableEntry = entry

func lessEntry(a, b mutableEntry) bool { return a.Key < b.Key }

// Tree is one logical index (e.g. "message-id"). It holds a single
// in-memory mutable segment plus zero or more immutable segments, newest
// first.
type Tree struct {
	mu sync.RWMutex

	name    string
	mutable *btree.BTreeG[mutableEntry]
	mutSize int

	segments []*Segment // newest first

	flushThreshold int
	blockIDOf      map[int64]int64 // segment.ID -> backing block id, for supersession bookkeeping
}

func newTree(name string, flushThreshold int) *Tree {
	if flushThreshold <= 0 {
		flushThreshold = 8192
	}
	return &Tree{
		name:           name,
		mutable:        btree.NewBTreeG(lessEntry),
		flushThreshold: flushThreshold,
		blockIDOf:      make(map[int64]int64),
	}
}

// Upsert writes key/value into the mutable segment. A nil value is a
// tombstone (delete marker).
func (t *Tree) Upsert(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutable.Set(entry{Key: key, Value: value})
	t.mutSize += len(key) + len(value)
}

// Delete writes a tombstone for key.
func (t *Tree) Delete(key string) { t.Upsert(key, nil) }

// NeedsFlush reports whether the mutable segment has grown past its
// threshold and should be frozen into an immutable segment.
func (t *Tree) NeedsFlush() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mutSize >= t.flushThreshold
}

// Get resolves key by searching the mutable segment, then immutable
// segments youngest to oldest. The first place holding key decides; if
// it holds a tombstone the result is NotFound.
func (t *Tree) Get(key string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.mutable.Get(entry{Key: key}); ok {
		if e.Value == nil {
			return nil, ErrNotFound
		}
		return e.Value, nil
	}

	for _, seg := range t.segments {
		if v, tomb, found := seg.Get(key); found {
			if tomb {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// Range merges live entries across the mutable segment and all immutable
// segments for from <= key < to, skipping tombstones, in key-ascending
// order.
func (t *Tree) Range(from, to string) []entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	merged := make(map[string][]byte)
	seen := make(map[string]bool)

	t.mutable.Ascend(entry{Key: from}, func(e entry) bool {
		if to != "" && e.Key >= to {
			return false
		}
		merged[e.Key] = e.Value
		seen[e.Key] = true
		return true
	})

	for _, seg := range t.segments {
		for _, e := range seg.Range(from, to) {
			if seen[e.Key] {
				continue
			}
			merged[e.Key] = e.Value
			seen[e.Key] = true
		}
	}

	out := make([]entry, 0, len(merged))
	for k, v := range merged {
		if v == nil {
			continue
		}
		out = append(out, entry{Key: k, Value: v})
	}
	sortEntries(out)
	return out
}

func sortEntries(es []entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j-1].Key > es[j].Key; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// freeze snapshots the mutable segment into a new immutable Segment,
// assigns it id, and clears the mutable segment. Caller is responsible for
// persisting the segment bytes (encodeSegment) and recording the prior
// mutable generation as superseded if applicable.
func (t *Tree) freeze(id int64) (*Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []entry
	t.mutable.Scan(func(e entry) bool {
		entries = append(entries, e)
		return true
	})

	seg, err := buildSegment(id, entries)
	if err != nil {
		return nil, err
	}

	t.mutable = btree.NewBTreeG(lessEntry)
	t.mutSize = 0
	t.segments = append([]*Segment{seg}, t.segments...)
	return seg, nil
}

// adoptSegments replaces the segment list wholesale, used after merge() or
// after loading segments back from disk on open.
func (t *Tree) adoptSegments(segs []*Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = segs
}

// Segments returns the current immutable segment list, newest first.
func (t *Tree) Segments() []*Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Store owns one Tree per named index.
type Store struct {
	mu    sync.RWMutex
	trees map[string]*Tree

	backing SegmentStore
	nextSeg int64
}

func New(backing SegmentStore) *Store {
	return &Store{trees: make(map[string]*Tree), backing: backing}
}

func (s *Store) tree(name string) *Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[name]
	if !ok {
		t = newTree(name, 0)
		s.trees[name] = t
	}
	return t
}

// Upsert writes key/value into indexName's mutable segment.
func (s *Store) Upsert(indexName, key string, value []byte) {
	s.tree(indexName).Upsert(key, value)
}

// Delete tombstones key in indexName.
func (s *Store) Delete(indexName, key string) {
	s.tree(indexName).Delete(key)
}

// Get resolves key in indexName.
func (s *Store) Get(indexName, key string) ([]byte, error) {
	return s.tree(indexName).Get(key)
}

// Range returns the live entries in indexName for from <= key < to.
func (s *Store) Range(indexName, from, to string) []entry {
	return s.tree(indexName).Range(from, to)
}

// FlushIfNeeded freezes and persists indexName's mutable segment if it has
// grown past its threshold. Returns the new segment's backing block id, or
// 0 if no flush was needed.
func (s *Store) FlushIfNeeded(indexName string) (int64, error) {
	t := s.tree(indexName)
	if !t.NeedsFlush() {
		return 0, nil
	}
	return s.Flush(indexName)
}

// Flush forcibly freezes and persists indexName's mutable segment
// regardless of size, used on close() so nothing is lost.
func (s *Store) Flush(indexName string) (int64, error) {
	t := s.tree(indexName)

	s.mu.Lock()
	s.nextSeg++
	id := s.nextSeg
	s.mu.Unlock()

	seg, err := t.freeze(id)
	if err != nil {
		return 0, err
	}
	if seg.Len() == 0 {
		return 0, nil
	}

	payload := encodeSegment(seg)
	blockID, err := s.backing.AppendSegment(indexName, id, payload)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.blockIDOf[id] = blockID
	t.mu.Unlock()

	return blockID, nil
}

// decodeSegmentFromBlock reads back a previously persisted segment by its
// backing block id and decodes it; LoadSegments places the result in the
// tree's segment list.
func (s *Store) decodeSegmentFromBlock(id, blockID int64) (*Segment, error) {
	payload, err := s.backing.ReadSegment(blockID)
	if err != nil {
		return nil, err
	}
	return decodeSegment(id, payload)
}

// LoadSegments rehydrates indexName's segment list from an ordered (newest
// first) list of backing block ids, used when reopening a database. A
// segment whose backing block is unreadable or undecodable is excluded
// from the tree rather than failing the load; reads for its keys fall
// through to older segments. The excluded block ids are returned so the
// caller can log them.
func (s *Store) LoadSegments(indexName string, segmentIDs, blockIDs []int64) (skipped []int64) {
	t := s.tree(indexName)
	segs := make([]*Segment, 0, len(segmentIDs))
	for i, segID := range segmentIDs {
		seg, err := s.decodeSegmentFromBlock(segID, blockIDs[i])
		if err != nil {
			skipped = append(skipped, blockIDs[i])
			continue
		}
		segs = append(segs, seg)
		t.blockIDOf[segID] = blockIDs[i]
	}
	t.adoptSegments(segs)
	return skipped
}

// IndexNames returns every index name that has been touched so far (has a
// Tree created for it), for façade-level bookkeeping like stats() and
// reachable-block computation.
func (s *Store) IndexNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.trees))
	for name := range s.trees {
		out = append(out, name)
	}
	return out
}

// SegmentBlockIDs returns the backing block ids of indexName's current
// immutable segments, used to compute the reachable set for compaction and
// orphan identification.
func (s *Store) SegmentBlockIDs(indexName string) []int64 {
	t := s.tree(indexName)
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int64, 0, len(t.blockIDOf))
	for _, blockID := range t.blockIDOf {
		out = append(out, blockID)
	}
	return out
}

// SegmentRef identifies one persisted immutable segment by its logical id
// and the block id backing it.
type SegmentRef struct {
	SegmentID int64
	BlockID   int64
}

// SegmentRefs returns indexName's current immutable segments, newest first,
// for persisting into the Metadata block.
func (s *Store) SegmentRefs(indexName string) []SegmentRef {
	t := s.tree(indexName)
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SegmentRef, 0, len(t.segments))
	for _, seg := range t.segments {
		if blockID, ok := t.blockIDOf[seg.ID]; ok {
			out = append(out, SegmentRef{SegmentID: seg.ID, BlockID: blockID})
		}
	}
	return out
}

// Merge combines all of indexName's immutable segments into a single new
// segment, dropping tombstones, and returns the ids of the segments that
// are now superseded so the caller can record them.
func (s *Store) Merge(indexName string) (supersededBlockIDs []int64, newBlockID int64, err error) {
	t := s.tree(indexName)

	t.mu.Lock()
	segs := t.segments
	t.mu.Unlock()

	if len(segs) < 2 {
		return nil, 0, nil
	}

	merged := make(map[string][]byte)
	seen := make(map[string]bool)
	for _, seg := range segs { // newest first: first writer for a key wins
		for _, e := range seg.entries {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			if e.Value != nil {
				merged[e.Key] = e.Value
			}
		}
	}

	entries := make([]entry, 0, len(merged))
	for k, v := range merged {
		entries = append(entries, entry{Key: k, Value: v})
	}

	s.mu.Lock()
	s.nextSeg++
	newID := s.nextSeg
	s.mu.Unlock()

	newSeg, err := buildSegment(newID, entries)
	if err != nil {
		return nil, 0, err
	}

	payload := encodeSegment(newSeg)
	newBlockID, err = s.backing.AppendSegment(indexName, newID, payload)
	if err != nil {
		return nil, 0, err
	}

	t.mu.Lock()
	for _, seg := range segs {
		if bid, ok := t.blockIDOf[seg.ID]; ok {
			supersededBlockIDs = append(supersededBlockIDs, bid)
			delete(t.blockIDOf, seg.ID)
		}
	}
	t.blockIDOf[newID] = newBlockID
	t.segments = []*Segment{newSeg}
	t.mu.Unlock()

	return supersededBlockIDs, newBlockID, nil
}
