package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmailIdStringRoundTrip(t *testing.T) {
	cases := []EmailId{
		{BatchID: 1, LocalID: 0},
		{BatchID: 987654321, LocalID: 42},
		{BatchID: 0, LocalID: -1},
	}
	for _, id := range cases {
		got, err := Parse(id.String())
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "no-colon", "abc:1", "1:abc", "1:2:3"} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestBlockIDGeneratorMonotonic(t *testing.T) {
	g := NewBlockIDGenerator(0)
	first := g.Next()
	second := g.Next()
	require.Equal(t, int64(1), first)
	require.Equal(t, int64(2), second)
}

func TestBlockIDGeneratorResumesFromHighWatermark(t *testing.T) {
	g := NewBlockIDGenerator(100)
	require.Equal(t, int64(101), g.Next())
}

func TestBlockIDGeneratorObserve(t *testing.T) {
	g := NewBlockIDGenerator(0)
	g.Observe(500)
	require.Equal(t, int64(501), g.Next())

	// Observing a lower value than the current watermark is a no-op.
	g.Observe(10)
	require.Equal(t, int64(502), g.Next())
}

func TestBlockIDGeneratorConcurrentNextUnique(t *testing.T) {
	g := NewBlockIDGenerator(0)
	const n = 200
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- g.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool, n)
	for id := range seen {
		require.False(t, unique[id], "duplicate id %d", id)
		unique[id] = true
	}
	require.Len(t, unique, n)
}
