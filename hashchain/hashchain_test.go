package hashchain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyEmptyChainOK(t *testing.T) {
	m := New()
	require.NoError(t, m.Verify(nil))
}

func TestAppendBuildsLinkedChain(t *testing.T) {
	m := New()
	e1 := m.Append(1, []byte("block one"))
	e2 := m.Append(2, []byte("block two"))
	e3 := m.Append(3, []byte("block three"))

	require.Equal(t, uint64(0), e1.Seq)
	require.Equal(t, uint64(1), e2.Seq)
	require.Equal(t, uint64(2), e3.Seq)
	require.Equal(t, e1.Hash, e2.PrevHash)
	require.Equal(t, e2.Hash, e3.PrevHash)
	require.Equal(t, e3.Hash, m.Head())

	require.NoError(t, m.Verify(nil))
}

func TestVerifyDetectsPayloadTamper(t *testing.T) {
	m := New()
	m.Append(1, []byte("original contents"))

	err := m.Verify(func(blockID int64) ([]byte, bool) {
		return []byte("tampered contents"), true
	})
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	m := New()
	m.Append(1, []byte("a"))
	m.Append(2, []byte("b"))

	entries := m.Entries()
	entries[1].PrevHash[0] ^= 0xFF
	m.Load(entries)

	err := m.Verify(nil)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyDetectsSelfHashTamper(t *testing.T) {
	m := New()
	m.Append(1, []byte("a"))

	entries := m.Entries()
	entries[0].Hash[0] ^= 0xFF
	m.Load(entries)

	err := m.Verify(nil)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestLoadReplacesChain(t *testing.T) {
	m := New()
	m.Append(1, []byte("a"))
	m.Append(2, []byte("b"))

	other := New()
	e := other.Append(9, []byte("z"))

	m.Load([]Entry{e})
	require.Len(t, m.Entries(), 1)
	require.Equal(t, e.Hash, m.Head())
}

func TestHeadOfEmptyChainIsZero(t *testing.T) {
	m := New()
	require.Equal(t, [32]byte{}, m.Head())
}
