package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/netninjacorp/emaildb/block"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	d := Default()
	require.True(t, d.CreateIfMissing)
	require.Equal(t, TargetBlockSizeAuto, d.TargetBlockSizeMode)
	require.Equal(t, "none", d.CompressionName)
	require.Equal(t, "none", d.EncryptionName)
	require.False(t, d.HashChain)
	require.True(t, d.Maintenance.Enabled)
	require.Equal(t, 24, d.Maintenance.IntervalHours)
	require.Equal(t, 5, d.Maintenance.KeyVersionsToKeep)
	require.Equal(t, 256*datasize.MB, d.Cache.PayloadBytesMax)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emaildb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression: zstd\nhash_chain: true\n"), 0o644))

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, block.CompressionZstd, opts.Compression)
	require.True(t, opts.HashChain)
	// Untouched fields keep their defaults.
	require.True(t, opts.CreateIfMissing)
	require.Equal(t, 5, opts.Maintenance.KeyVersionsToKeep)
}

func TestLoadRejectsUnknownCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emaildb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression: unknown-algo\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownEncryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emaildb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("encryption: made-up\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseCompressionAllAlgos(t *testing.T) {
	cases := map[string]block.CompressionAlgo{
		"":       block.CompressionNone,
		"none":   block.CompressionNone,
		"gzip":   block.CompressionGzip,
		"lz4":    block.CompressionLZ4,
		"zstd":   block.CompressionZstd,
		"brotli": block.CompressionBrotli,
	}
	for name, want := range cases {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseCompression("bogus")
	require.Error(t, err)
}

func TestParseEncryptionAllAlgos(t *testing.T) {
	cases := map[string]block.EncryptionAlgo{
		"":                  block.EncryptionNone,
		"none":              block.EncryptionNone,
		"aes256_gcm":        block.EncryptionAES256GCM,
		"chacha20_poly1305": block.EncryptionChaCha20Poly1305,
		"aes256_cbc_hmac":   block.EncryptionAES256CBCHMAC,
	}
	for name, want := range cases {
		got, err := ParseEncryption(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseEncryption("bogus")
	require.Error(t, err)
}

func TestMaintenanceOptionsDurationConversions(t *testing.T) {
	m := MaintenanceOptions{IntervalHours: 6, MinAgeHoursForDeletion: 48}
	require.Equal(t, 6*time.Hour, m.Interval())
	require.Equal(t, 48*time.Hour, m.MinAgeForDeletion())
}
