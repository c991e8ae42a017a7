package index

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrdinalsAssignIsStablePerEmailID(t *testing.T) {
	o := NewOrdinals()
	a := o.Assign("1:0")
	b := o.Assign("1:1")
	c := o.Assign("1:0")

	require.Equal(t, a, c)
	require.NotEqual(t, a, b)

	id, ok := o.Resolve(a)
	require.True(t, ok)
	require.Equal(t, "1:0", id)
}

func TestOrdinalsSnapshotAndLoadRoundTrip(t *testing.T) {
	o := NewOrdinals()
	o.Assign("1:0")
	o.Assign("1:1")

	assignments, next := o.Snapshot()

	o2 := NewOrdinals()
	o2.Load(assignments, next)

	ord, ok := o2.Resolve(0)
	require.True(t, ok)
	require.Equal(t, "1:0", ord)

	// The next assignment after a reload must not collide with restored ids.
	newOrd := o2.Assign("1:2")
	require.Equal(t, next, newOrd)
}

func TestPostingsAddAndRemove(t *testing.T) {
	s := New(newFakeBacking())

	require.NoError(t, s.AddToPostings(FolderMembershipIndexName, "Inbox", 0))
	require.NoError(t, s.AddToPostings(FolderMembershipIndexName, "Inbox", 1))
	require.NoError(t, s.AddToPostings(FolderMembershipIndexName, "Inbox", 2))

	bm, err := s.Postings(FolderMembershipIndexName, "Inbox")
	require.NoError(t, err)
	require.Equal(t, uint64(3), bm.GetCardinality())
	require.True(t, bm.Contains(1))

	require.NoError(t, s.RemoveFromPostings(FolderMembershipIndexName, "Inbox", 1))
	bm, err = s.Postings(FolderMembershipIndexName, "Inbox")
	require.NoError(t, err)
	require.False(t, bm.Contains(1))
	require.True(t, bm.Contains(0))
	require.True(t, bm.Contains(2))
}

func TestPostingsOfUnknownKeyIsEmpty(t *testing.T) {
	s := New(newFakeBacking())
	bm, err := s.Postings(FolderMembershipIndexName, "NoSuchFolder")
	require.NoError(t, err)
	require.Equal(t, uint64(0), bm.GetCardinality())
}

func TestPostingsSurviveFlush(t *testing.T) {
	s := New(newFakeBacking())
	require.NoError(t, s.AddToPostings(FolderMembershipIndexName, "Inbox", 5))
	_, err := s.Flush(FolderMembershipIndexName)
	require.NoError(t, err)

	bm, err := s.Postings(FolderMembershipIndexName, "Inbox")
	require.NoError(t, err)
	require.True(t, bm.Contains(5))

	require.NoError(t, s.AddToPostings(FolderMembershipIndexName, "Inbox", 6))
	bm, err = s.Postings(FolderMembershipIndexName, "Inbox")
	require.NoError(t, err)
	require.True(t, bm.Contains(5))
	require.True(t, bm.Contains(6))
}

func TestTokenizeLowercasesAndSplitsOnNonAlphanumeric(t *testing.T) {
	got := Tokenize("Hello, World! foo_bar 123")
	require.Equal(t, []string{"hello", "world", "foo", "bar", "123"}, got)
}

func TestTokenizeEmptyString(t *testing.T) {
	require.Empty(t, Tokenize(""))
	require.Empty(t, Tokenize("   ---   "))
}
