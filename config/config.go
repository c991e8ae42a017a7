// Package config implements the database's closed configuration surface,
// loadable from YAML with built-in defaults layered underneath.
package config

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/netninjacorp/emaildb/block"
)

// TargetBlockSizeMode selects between AdaptiveBlockSizer and a fixed size.
type TargetBlockSizeMode string

const (
	TargetBlockSizeAuto  TargetBlockSizeMode = "auto"
	TargetBlockSizeFixed TargetBlockSizeMode = "fixed"
)

// Options is the full closed configuration set a DB is opened with.
type Options struct {
	CreateIfMissing    bool   `yaml:"create_if_missing"`
	ReadOnly           bool   `yaml:"read_only"`
	MasterKeyHex       string `yaml:"master_key_hex,omitempty"`

	TargetBlockSizeMode  TargetBlockSizeMode  `yaml:"target_block_size_mode"`
	TargetBlockSizeFixed datasize.ByteSize    `yaml:"target_block_size_fixed"`

	Compression block.CompressionAlgo `yaml:"-"`
	CompressionName string            `yaml:"compression"`
	Encryption  block.EncryptionAlgo  `yaml:"-"`
	EncryptionName  string            `yaml:"encryption"`

	HashChain bool `yaml:"hash_chain"`

	LogPath string `yaml:"log_path,omitempty"`

	Maintenance MaintenanceOptions `yaml:"maintenance"`
	Cache       CacheOptions       `yaml:"cache"`
}

// MaintenanceOptions groups the background-maintenance knobs, with
// duration/size fields expressed in YAML-friendly units.
type MaintenanceOptions struct {
	Enabled                  bool              `yaml:"enabled"`
	IntervalHours            int               `yaml:"interval_hours"`
	CompactionThresholdBytes datasize.ByteSize `yaml:"compaction_threshold_bytes"`
	MinAgeHoursForDeletion   int               `yaml:"min_age_hours_for_deletion"`
	KeyVersionsToKeep        int               `yaml:"key_versions_to_keep"`
	BackupsToKeep            int               `yaml:"backups_to_keep"`
}

// CacheOptions bounds the payload and folder caches.
type CacheOptions struct {
	PayloadBytesMax  datasize.ByteSize `yaml:"payload_bytes_max"`
	FolderEntriesMax int               `yaml:"folder_entries_max"`
}

// Default returns the built-in defaults.
func Default() Options {
	return Options{
		CreateIfMissing:     true,
		TargetBlockSizeMode: TargetBlockSizeAuto,
		CompressionName:     "none",
		EncryptionName:      "none",
		HashChain:           false,
		Maintenance: MaintenanceOptions{
			Enabled:                  true,
			IntervalHours:            24,
			CompactionThresholdBytes: 1 * datasize.GB,
			MinAgeHoursForDeletion:   24,
			KeyVersionsToKeep:        5,
			BackupsToKeep:            3,
		},
		Cache: CacheOptions{
			PayloadBytesMax:  256 * datasize.MB,
			FolderEntriesMax: 4096,
		},
	}
}

// Load reads and parses a YAML config file, starting from Default() so
// any field the file omits keeps its default value.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, errors.Wrap(err, "parse config yaml")
	}
	if err := opts.resolveEnums(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Resolve re-parses CompressionName/EncryptionName into Compression/
// Encryption, for callers (e.g. the CLI) that set the YAML-facing name
// fields directly rather than going through Load.
func (o *Options) Resolve() error {
	return o.resolveEnums()
}

func (o *Options) resolveEnums() error {
	algo, err := ParseCompression(o.CompressionName)
	if err != nil {
		return err
	}
	o.Compression = algo

	enc, err := ParseEncryption(o.EncryptionName)
	if err != nil {
		return err
	}
	o.Encryption = enc
	return nil
}

func ParseCompression(name string) (block.CompressionAlgo, error) {
	switch name {
	case "", "none":
		return block.CompressionNone, nil
	case "gzip":
		return block.CompressionGzip, nil
	case "lz4":
		return block.CompressionLZ4, nil
	case "zstd":
		return block.CompressionZstd, nil
	case "brotli":
		return block.CompressionBrotli, nil
	default:
		return 0, errors.Errorf("config: unknown compression %q", name)
	}
}

func ParseEncryption(name string) (block.EncryptionAlgo, error) {
	switch name {
	case "", "none":
		return block.EncryptionNone, nil
	case "aes256_gcm":
		return block.EncryptionAES256GCM, nil
	case "chacha20_poly1305":
		return block.EncryptionChaCha20Poly1305, nil
	case "aes256_cbc_hmac":
		return block.EncryptionAES256CBCHMAC, nil
	default:
		return 0, errors.Errorf("config: unknown encryption %q", name)
	}
}

// Interval converts IntervalHours to a time.Duration.
func (o MaintenanceOptions) Interval() time.Duration {
	return time.Duration(o.IntervalHours) * time.Hour
}

// MinAgeForDeletion converts MinAgeHoursForDeletion to a time.Duration.
func (o MaintenanceOptions) MinAgeForDeletion() time.Duration {
	return time.Duration(o.MinAgeHoursForDeletion) * time.Hour
}
