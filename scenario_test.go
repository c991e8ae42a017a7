package emaildb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netninjacorp/emaildb/block"
	"github.com/netninjacorp/emaildb/codec"
)

// appendText writes one block holding text into a fresh store file and
// returns the file's size plus the decoded payload read back from it.
func appendText(t *testing.T, path string, blockID int64, text string, comp block.CompressionAlgo) (int64, []byte) {
	t.Helper()
	store, err := block.Open(path, true, block.Options{})
	require.NoError(t, err)

	c := codec.New(nil)
	enc, err := c.Encode(codec.EncodeRequest{
		BlockID:     blockID,
		Type:        block.TypeMetadata,
		Timestamp:   1700000000000,
		Encoding:    block.EncodingRawBytes,
		Compression: comp,
		Raw:         []byte(text),
	})
	require.NoError(t, err)

	_, err = store.Append(context.Background(), &block.Block{
		Header: block.Header{
			Type:      block.TypeMetadata,
			Encoding:  block.EncodingRawBytes,
			Timestamp: 1700000000000,
			BlockID:   blockID,
			Flags:     enc.Flags,
		},
		Ext:     enc.Ext,
		Payload: enc.Payload,
	}, true)
	require.NoError(t, err)

	blk, err := store.Read(blockID)
	require.NoError(t, err)
	decoded, err := c.Decode(codec.DecodeRequest{
		BlockID:   blockID,
		Type:      blk.Header.Type,
		Timestamp: blk.Header.Timestamp,
		Encoding:  blk.Header.Encoding,
		Flags:     blk.Header.Flags,
		Ext:       blk.Ext,
		Payload:   blk.Payload,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size(), decoded
}

// Repetitive text stored gzipped must produce a materially smaller file
// than the same text stored raw, and both must read back identical.
func TestGzipFileMateriallySmallerThanUncompressed(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 5000; i++ {
		sb.WriteString("The quick brown fox jumps over the lazy dog, again and again.\n")
	}
	text := sb.String()
	dir := t.TempDir()

	plainSize, plainOut := appendText(t, filepath.Join(dir, "plain.emdb"), 1, text, block.CompressionNone)
	gzipSize, gzipOut := appendText(t, filepath.Join(dir, "gzip.emdb"), 2, text, block.CompressionGzip)

	require.Equal(t, text, string(plainOut))
	require.Equal(t, text, string(gzipOut))
	require.Less(t, float64(gzipSize), 0.8*float64(plainSize))
}
