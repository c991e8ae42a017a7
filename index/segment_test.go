package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	src := []entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: nil}, // tombstone
		{Key: "c", Value: []byte("3")},
	}
	seg, err := buildSegment(1, append([]entry(nil), src...))
	require.NoError(t, err)

	buf := encodeSegment(seg)
	decoded, err := decodeSegment(1, buf)
	require.NoError(t, err)
	require.Equal(t, seg.entries, decoded.entries)
}

func TestSegmentGetFindsKeysAndTombstones(t *testing.T) {
	seg, err := buildSegment(1, []entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: nil},
	})
	require.NoError(t, err)

	v, tomb, found := seg.Get("a")
	require.True(t, found)
	require.False(t, tomb)
	require.Equal(t, []byte("1"), v)

	_, tomb, found = seg.Get("b")
	require.True(t, found)
	require.True(t, tomb)

	_, _, found = seg.Get("z")
	require.False(t, found)
}

func TestSegmentRangeIsSortedSubset(t *testing.T) {
	seg, err := buildSegment(1, []entry{
		{Key: "d", Value: []byte("4")},
		{Key: "a", Value: []byte("1")},
		{Key: "c", Value: []byte("3")},
		{Key: "b", Value: []byte("2")},
	})
	require.NoError(t, err)

	got := seg.Range("b", "d")
	var keys []string
	for _, e := range got {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestDecodeSegmentRejectsTruncatedPayload(t *testing.T) {
	_, err := decodeSegment(1, []byte{0, 0, 0, 5})
	require.ErrorIs(t, err, ErrCorruptSegment)
}

func TestDecodeSegmentRejectsGarbage(t *testing.T) {
	_, err := decodeSegment(1, []byte{1, 2})
	require.ErrorIs(t, err, ErrCorruptSegment)
}
