package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleBlock() *Block {
	return &Block{
		Header: Header{
			Type:      TypeEmailBatch,
			Encoding:  EncodingRawBytes,
			Timestamp: 1700000000000,
			BlockID:   42,
			Flags:     NewFlags(CompressionNone, EncryptionNone),
		},
		Payload: []byte("hello emaildb"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := sampleBlock()
	buf := b.Encode()

	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, b.Header.Type, got.Header.Type)
	require.Equal(t, b.Header.BlockID, got.Header.BlockID)
	require.Equal(t, b.Header.Timestamp, got.Header.Timestamp)
	require.Equal(t, b.Payload, got.Payload)
	require.Equal(t, Magic, got.Header.Magic)
}

func TestEncodeDecodeWithExtHeader(t *testing.T) {
	b := sampleBlock()
	b.Ext = &ExtHeader{
		UncompressedSize: 1024,
		IV:               []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		AuthTag:          []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
		KeyID:            7,
	}
	buf := b.Encode()

	got, _, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Ext)
	require.Equal(t, b.Ext.UncompressedSize, got.Ext.UncompressedSize)
	require.Equal(t, b.Ext.IV, got.Ext.IV)
	require.Equal(t, b.Ext.AuthTag, got.Ext.AuthTag)
	require.Equal(t, b.Ext.KeyID, got.Ext.KeyID)
}

func TestDecodeRejectsCorruptHeaderChecksum(t *testing.T) {
	buf := sampleBlock().Encode()
	buf[10] ^= 0xFF // perturb a header byte covered by HeaderChecksum
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := sampleBlock().Encode()
	buf[0] ^= 0xFF
	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsCorruptTrailer(t *testing.T) {
	buf := sampleBlock().Encode()
	buf[len(buf)-1] ^= 0xFF
	_, _, err := Decode(buf)
	require.ErrorIs(t, err, ErrCorruptPayload)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	buf := sampleBlock().Encode()
	_, _, err := Decode(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrCorruptPayload)
}

func TestFlagsRoundTrip(t *testing.T) {
	f := NewFlags(CompressionZstd, EncryptionAES256GCM)
	require.Equal(t, CompressionZstd, f.Compression())
	require.Equal(t, EncryptionAES256GCM, f.Encryption())
	require.True(t, f.Compressed())
	require.True(t, f.Encrypted())

	none := NewFlags(CompressionNone, EncryptionNone)
	require.False(t, none.Compressed())
	require.False(t, none.Encrypted())
}

func TestTypeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "EmailBatch", TypeEmailBatch.String())
	require.Equal(t, "Unknown", Type(250).String())
}
