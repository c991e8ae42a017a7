package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBacking is an in-memory stand-in for the façade's block-store-backed
// SegmentStore, keyed by a fake incrementing block id.
type fakeBacking struct {
	nextBlockID int64
	blocks      map[int64][]byte
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{blocks: make(map[int64][]byte)}
}

func (f *fakeBacking) AppendSegment(indexName string, id int64, payload []byte) (int64, error) {
	f.nextBlockID++
	f.blocks[f.nextBlockID] = payload
	return f.nextBlockID, nil
}

func (f *fakeBacking) ReadSegment(blockID int64) ([]byte, error) {
	p, ok := f.blocks[blockID]
	if !ok {
		return nil, fmt.Errorf("no such block %d", blockID)
	}
	return p, nil
}

func TestUpsertGetRoundTripsViaMutableSegment(t *testing.T) {
	s := New(newFakeBacking())
	s.Upsert("message-id", "msg-1", []byte("1:0"))

	v, err := s.Get("message-id", "msg-1")
	require.NoError(t, err)
	require.Equal(t, []byte("1:0"), v)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	s := New(newFakeBacking())
	_, err := s.Get("message-id", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTombstonesInMutableSegment(t *testing.T) {
	s := New(newFakeBacking())
	s.Upsert("folder", "inbox", []byte("v1"))
	s.Delete("folder", "inbox")

	_, err := s.Get("folder", "inbox")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFlushPersistsAndTombstoneSurvivesAcrossSegments(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)

	s.Upsert("folder", "inbox", []byte("v1"))
	blockID, err := s.Flush("folder")
	require.NoError(t, err)
	require.NotZero(t, blockID)

	// After flush the mutable segment is empty; lookups should fall through
	// to the persisted immutable segment.
	v, err := s.Get("folder", "inbox")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// A tombstone written after the flush (in the new mutable segment)
	// must short-circuit before the stale immutable segment is consulted.
	s.Delete("folder", "inbox")
	_, err = s.Get("folder", "inbox")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFlushOfEmptyTreeIsNoop(t *testing.T) {
	s := New(newFakeBacking())
	blockID, err := s.Flush("unused")
	require.NoError(t, err)
	require.Zero(t, blockID)
}

func TestRangeMergesMutableAndSegmentsInOrder(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)

	s.Upsert("search:token", "apple", []byte("a"))
	s.Upsert("search:token", "banana", []byte("b"))
	_, err := s.Flush("search:token")
	require.NoError(t, err)

	s.Upsert("search:token", "cherry", []byte("c"))

	entries := s.Range("search:token", "", "")
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"apple", "banana", "cherry"}, keys)
}

func TestRangeBoundsAreHalfOpen(t *testing.T) {
	s := New(newFakeBacking())
	for _, k := range []string{"a", "b", "c", "d"} {
		s.Upsert("t", k, []byte(k))
	}
	entries := s.Range("t", "b", "d")
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestLoadSegmentsRehydratesFromBacking(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)
	s.Upsert("message-id", "msg-1", []byte("1:0"))
	blockID, err := s.Flush("message-id")
	require.NoError(t, err)

	s2 := New(backing)
	require.Empty(t, s2.LoadSegments("message-id", []int64{1}, []int64{blockID}))

	v, err := s2.Get("message-id", "msg-1")
	require.NoError(t, err)
	require.Equal(t, []byte("1:0"), v)
}

func TestLoadSegmentsExcludesCorruptSegmentAndFallsThrough(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)

	s.Upsert("message-id", "msg-1", []byte("old"))
	oldBlock, err := s.Flush("message-id")
	require.NoError(t, err)

	s.Upsert("message-id", "msg-1", []byte("new"))
	newBlock, err := s.Flush("message-id")
	require.NoError(t, err)

	// Corrupt the newest segment's backing payload. The load must exclude
	// just that segment; the key resolves from the older one.
	backing.blocks[newBlock] = []byte{0xFF}

	s2 := New(backing)
	skipped := s2.LoadSegments("message-id", []int64{2, 1}, []int64{newBlock, oldBlock})
	require.Equal(t, []int64{newBlock}, skipped)

	v, err := s2.Get("message-id", "msg-1")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)

	// The excluded segment must not resurface as a persistable root.
	require.Equal(t, []int64{oldBlock}, s2.SegmentBlockIDs("message-id"))
}

func TestLoadSegmentsMissingBackingBlockIsExcluded(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)

	skipped := s.LoadSegments("message-id", []int64{1}, []int64{999})
	require.Equal(t, []int64{999}, skipped)

	_, err := s.Get("message-id", "anything")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMergeCombinesSegmentsAndDropsTombstones(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)

	s.Upsert("folder", "a", []byte("1"))
	_, err := s.Flush("folder")
	require.NoError(t, err)

	s.Upsert("folder", "a", nil) // tombstone the old value
	s.Upsert("folder", "b", []byte("2"))
	_, err = s.Flush("folder")
	require.NoError(t, err)

	require.Len(t, s.SegmentRefs("folder"), 2)

	superseded, newBlockID, err := s.Merge("folder")
	require.NoError(t, err)
	require.Len(t, superseded, 2)
	require.NotZero(t, newBlockID)

	segs := s.SegmentRefs("folder")
	require.Len(t, segs, 1)

	_, err = s.Get("folder", "a")
	require.ErrorIs(t, err, ErrNotFound)
	v, err := s.Get("folder", "b")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestMergeNoopWithFewerThanTwoSegments(t *testing.T) {
	backing := newFakeBacking()
	s := New(backing)
	s.Upsert("folder", "a", []byte("1"))
	_, err := s.Flush("folder")
	require.NoError(t, err)

	superseded, newBlockID, err := s.Merge("folder")
	require.NoError(t, err)
	require.Nil(t, superseded)
	require.Zero(t, newBlockID)
}
