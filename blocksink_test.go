package emaildb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netninjacorp/emaildb/block"
	"github.com/netninjacorp/emaildb/codec"
	"github.com/netninjacorp/emaildb/folder"
	"github.com/netninjacorp/emaildb/ids"
)

func newTestSink(t *testing.T) *jsonBlockSink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sink.emdb")
	store, err := block.Open(path, true, block.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &jsonBlockSink{store: store, codec: codec.New(nil), gen: ids.NewBlockIDGenerator(0), fsync: false}
}

func TestAppendAndReadSegmentRoundTrip(t *testing.T) {
	s := newTestSink(t)
	id, err := s.AppendSegment("message-id", 1, []byte("segment payload"))
	require.NoError(t, err)

	got, err := s.ReadSegment(id)
	require.NoError(t, err)
	require.Equal(t, []byte("segment payload"), got)
}

func TestAppendFolderContentAndEnvelopeRoundTrip(t *testing.T) {
	s := newTestSink(t)

	contentID, err := s.AppendFolderContent(folder.Content{EmailIDs: []string{"1:0", "1:1"}})
	require.NoError(t, err)
	content, err := s.ReadFolderContent(contentID)
	require.NoError(t, err)
	require.Equal(t, []string{"1:0", "1:1"}, content.EmailIDs)

	envID, err := s.AppendFolderEnvelope(folder.FolderEnvelopeBlock{Envelopes: []folder.Envelope{{EmailID: "1:0"}}})
	require.NoError(t, err)
	env, err := s.ReadFolderEnvelope(envID)
	require.NoError(t, err)
	require.Len(t, env.Envelopes, 1)
	require.Equal(t, "1:0", env.Envelopes[0].EmailID)
}

func TestAppendFolderTreeAndReadBack(t *testing.T) {
	s := newTestSink(t)
	tree := folder.Tree{
		NameToID:     map[string]int64{"Inbox": 1},
		IDToContent:  map[int64]int64{1: 10},
		IDToEnvelope: map[int64]int64{1: 11},
	}
	id, err := s.AppendFolderTree(tree)
	require.NoError(t, err)

	got, err := s.readFolderTree(id)
	require.NoError(t, err)
	require.Equal(t, tree.NameToID, got.NameToID)
}

func TestAppendMetadataAndReadBack(t *testing.T) {
	s := newTestSink(t)
	m := metadataRecord{
		FolderTreeBlock: 5,
		TotalEmails:     42,
		KeyVersion:      1,
		OrdinalAssignments: map[string]uint32{"1:0": 0},
	}
	id, err := s.appendMetadata(m)
	require.NoError(t, err)

	got, err := s.readMetadata(id)
	require.NoError(t, err)
	require.Equal(t, int64(5), got.FolderTreeBlock)
	require.Equal(t, int64(42), got.TotalEmails)
}

func TestAppendHashChainLinkAndReadBack(t *testing.T) {
	s := newTestSink(t)
	l := hashChainLink{PreviousBlockID: 3}
	l.Entry.BlockID = 7
	id, err := s.appendHashChainLink(l)
	require.NoError(t, err)

	got, err := s.readHashChainLink(id)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.PreviousBlockID)
	require.Equal(t, int64(7), got.Entry.BlockID)
}

func TestOnAppendCallbackFiresWithNewBlockID(t *testing.T) {
	s := newTestSink(t)
	var seen []int64
	s.onAppend = func(id int64) { seen = append(seen, id) }

	id1, err := s.AppendSegment("message-id", 1, []byte("a"))
	require.NoError(t, err)
	id2, err := s.AppendFolderContent(folder.Content{})
	require.NoError(t, err)

	require.Equal(t, []int64{id1, id2}, seen)
}

func TestReadSegmentUnknownBlockFails(t *testing.T) {
	s := newTestSink(t)
	_, err := s.ReadSegment(999)
	require.Error(t, err)
}
