package block

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.emdb")
	s, err := Open(path, true, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	loc, err := s.Append(ctx, blockWithID(42, "payload data"), true)
	require.NoError(t, err)
	require.Equal(t, int64(0), loc.Offset)

	got, err := s.Read(42)
	require.NoError(t, err)
	require.Equal(t, []byte("payload data"), got.Payload)
}

func TestStoreReadNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Read(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsReservedBlockID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append(context.Background(), blockWithID(HeaderReservedBlockID, "x"), false)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStoreDuplicateBlockIDLaterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, blockWithID(7, "first"), false)
	require.NoError(t, err)
	_, err = s.Append(ctx, blockWithID(7, "second"), true)
	require.NoError(t, err)

	got, err := s.Read(7)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got.Payload)
}

func TestStoreReopenSurvivesScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.emdb")
	s, err := Open(path, true, Options{})
	require.NoError(t, err)

	_, err = s.Append(context.Background(), blockWithID(1, "aaa"), true)
	require.NoError(t, err)
	_, err = s.Append(context.Background(), blockWithID(2, "bbb"), true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, false, Options{})
	require.NoError(t, err)
	defer s2.Close()

	locs := s2.Locations()
	require.Len(t, locs, 2)
	got, err := s2.Read(2)
	require.NoError(t, err)
	require.Equal(t, []byte("bbb"), got.Payload)
}

func TestStoreLocationsIsSnapshot(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append(context.Background(), blockWithID(1, "a"), false)
	require.NoError(t, err)

	locs := s.Locations()
	locs[1] = Location{Offset: 999}

	locs2 := s.Locations()
	require.NotEqual(t, int64(999), locs2[1].Offset)
}

func TestStoreReadOnlyRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.emdb")
	s, err := Open(path, true, Options{})
	require.NoError(t, err)
	_, err = s.Append(context.Background(), blockWithID(1, "a"), true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := Open(path, false, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Append(context.Background(), blockWithID(2, "b"), false)
	require.Error(t, err)
}
