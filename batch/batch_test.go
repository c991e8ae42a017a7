package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveBlockSizerTable(t *testing.T) {
	sizer := AdaptiveBlockSizer{}
	cases := []struct {
		dbSize datasize.ByteSize
		want   datasize.ByteSize
	}{
		{1 * datasize.GB, 50 * datasize.MB},
		{10 * datasize.GB, 100 * datasize.MB},
		{50 * datasize.GB, 250 * datasize.MB},
		{200 * datasize.GB, 500 * datasize.MB},
		{600 * datasize.GB, 1024 * datasize.MB},
	}
	for _, c := range cases {
		got := sizer.TargetBytes(int64(c.dbSize))
		require.Equal(t, int64(c.want), got, "dbSize=%s", c.dbSize)
	}
}

func TestBuilderAddAssignsSequentialLocalIDs(t *testing.T) {
	b := NewBuilder(Options{})
	for i := 0; i < 5; i++ {
		id, err := b.Add(PendingEmail{Raw: []byte(fmt.Sprintf("email %d", i)), CanonicalHeaders: []byte("h")})
		require.NoError(t, err)
		require.Equal(t, int32(i), id)
	}
	require.Equal(t, 5, b.Count())
}

func TestBuilderShouldFlushBySize(t *testing.T) {
	b := NewBuilder(Options{TargetBytes: 10})
	require.False(t, b.ShouldFlush())
	_, err := b.Add(PendingEmail{Raw: []byte("0123456789ABCDEF"), CanonicalHeaders: []byte("h")})
	require.NoError(t, err)
	require.True(t, b.ShouldFlush())
}

func TestBuilderShouldFlushByIdle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	b := NewBuilder(Options{FlushInterval: time.Minute, Now: clock})
	_, err := b.Add(PendingEmail{Raw: []byte("x"), CanonicalHeaders: []byte("h")})
	require.NoError(t, err)
	require.False(t, b.ShouldFlush())

	now = now.Add(2 * time.Minute)
	require.True(t, b.ShouldFlush())
}

func TestBuilderFlushResetsBuffer(t *testing.T) {
	b := NewBuilder(Options{})
	_, _ = b.Add(PendingEmail{Raw: []byte("a"), CanonicalHeaders: []byte("h1")})
	_, _ = b.Add(PendingEmail{Raw: []byte("b"), CanonicalHeaders: []byte("h2")})

	payload, records, err := b.Flush()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotEmpty(t, payload)
	require.Equal(t, 0, b.Count())
	require.False(t, b.ShouldFlush())
}

func TestFlushedBatchParsesAndRoundTrips(t *testing.T) {
	b := NewBuilder(Options{})
	var want []Record
	for i := 0; i < 10; i++ {
		raw := []byte(fmt.Sprintf("email body number %d", i))
		headers := []byte(fmt.Sprintf("Subject: test %d", i))
		id, err := b.Add(PendingEmail{Raw: raw, CanonicalHeaders: headers})
		require.NoError(t, err)
		want = append(want, Record{LocalID: id, Raw: raw})
	}

	payload, records, err := b.Flush()
	require.NoError(t, err)
	require.Len(t, records, 10)

	parsed, err := Parse(payload)
	require.NoError(t, err)
	require.Equal(t, 10, parsed.Count())

	for _, w := range want {
		rec, err := parsed.Get(w.LocalID)
		require.NoError(t, err)
		require.Equal(t, w.Raw, rec.Raw)
	}

	all, err := parsed.All()
	require.NoError(t, err)
	require.Len(t, all, 10)
}

func TestParseIncludesOffsetsIndexAboveThreshold(t *testing.T) {
	b := NewBuilder(Options{})
	for i := 0; i < offsetsIndexThreshold+1; i++ {
		_, err := b.Add(PendingEmail{Raw: []byte(fmt.Sprintf("e%d", i)), CanonicalHeaders: []byte("h")})
		require.NoError(t, err)
	}
	payload, _, err := b.Flush()
	require.NoError(t, err)

	parsed, err := Parse(payload)
	require.NoError(t, err)
	require.NotNil(t, parsed.offsets)

	rec, err := parsed.Get(int32(offsetsIndexThreshold))
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("e%d", offsetsIndexThreshold), string(rec.Raw))
}

func TestParseOmitsOffsetsIndexBelowThreshold(t *testing.T) {
	b := NewBuilder(Options{})
	_, err := b.Add(PendingEmail{Raw: []byte("only one"), CanonicalHeaders: []byte("h")})
	require.NoError(t, err)
	payload, _, err := b.Flush()
	require.NoError(t, err)

	parsed, err := Parse(payload)
	require.NoError(t, err)
	require.Nil(t, parsed.offsets)
}

func TestGetRejectsOutOfRangeLocalID(t *testing.T) {
	b := NewBuilder(Options{})
	_, _ = b.Add(PendingEmail{Raw: []byte("a"), CanonicalHeaders: []byte("h")})
	payload, _, err := b.Flush()
	require.NoError(t, err)

	parsed, err := Parse(payload)
	require.NoError(t, err)

	_, err = parsed.Get(5)
	require.ErrorIs(t, err, ErrLocalIDRange)
	_, err = parsed.Get(-1)
	require.ErrorIs(t, err, ErrLocalIDRange)
}

func TestParseRejectsTruncatedPayload(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorruptBatch)
}

func TestPeekReturnsUnflushedRecord(t *testing.T) {
	b := NewBuilder(Options{})
	id, err := b.Add(PendingEmail{Raw: []byte("in flight"), CanonicalHeaders: []byte("h")})
	require.NoError(t, err)

	rec, ok := b.Peek(id)
	require.True(t, ok)
	require.Equal(t, []byte("in flight"), rec.Raw)

	_, ok = b.Peek(id + 1)
	require.False(t, ok)
}
