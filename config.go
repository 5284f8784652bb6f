package cairn

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cairnfs/cairn/internal/chunker"
	"github.com/cairnfs/cairn/pkg/model"
)

// Config configures a volume.
type Config struct {
	// Path is the volume directory. The block device image lives at
	// Path/blocks.dev, metadata at Path/meta. Empty means fully
	// in-memory, for tests and ephemeral volumes.
	Path string `yaml:"path"`

	// BlockSize is the fixed slot size in bytes. Must hold at least a
	// block header plus one payload byte.
	BlockSize int `yaml:"block_size"`

	// TotalBlocks is the device size in blocks, superblock included.
	TotalBlocks uint64 `yaml:"total_blocks"`

	// Redundancy selects the stripe encoding scheme.
	Redundancy model.RedundancyMode `yaml:"-"`

	// RedundancyName is the scheme by name for config files:
	// "none", "xor" or "reed-solomon".
	RedundancyName string `yaml:"redundancy"`

	// StripeData is k, the data members per stripe.
	StripeData int `yaml:"stripe_data"`

	// StripeParity is m, the parity members per stripe. Forced to 1
	// for XOR.
	StripeParity int `yaml:"stripe_parity"`

	// Compression stores payloads lzma-compressed when that shrinks
	// them. Content hashes always cover the uncompressed bytes, so
	// deduplication is unaffected.
	Compression bool `yaml:"compression"`

	// DedupMaxEntries caps the dedup index. Zero means unlimited.
	DedupMaxEntries int `yaml:"dedup_max_entries"`

	// Chunking bounds content-defined chunking for WriteBlob.
	Chunking chunker.Config `yaml:"chunking"`

	// ReadCacheBlocks is the size of the verified-payload read cache
	// in blocks. Zero disables caching.
	ReadCacheBlocks int `yaml:"read_cache_blocks"`

	// MinimumFreeGB refuses to open when the metadata filesystem has
	// less free space. Zero disables the check.
	MinimumFreeGB uint `yaml:"minimum_free_gb"`

	// Actor names this process in audit entries.
	Actor string `yaml:"actor"`

	// SweepInterval is the collector's orphan sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ScrubInterval runs a background verification pass this often.
	// Zero disables background scrubbing; on-demand VerifyIntegrity
	// still works.
	ScrubInterval time.Duration `yaml:"scrub_interval"`

	// Logger is an optional structured logger. If nil, a stderr
	// logger is used.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a small single-host volume configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:       4096,
		TotalBlocks:     4096,
		Redundancy:      model.RedundancyReedSolomon,
		StripeData:      10,
		StripeParity:    4,
		Chunking:        chunker.DefaultConfig(),
		ReadCacheBlocks: 1024,
		Actor:           "cairn",
	}
}

// LoadConfig reads a YAML config file and fills in defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cairn: reading config %s: %w", path, err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return Config{}, fmt.Errorf("cairn: parsing config %s: %w", path, err)
	}
	if err := config.resolveRedundancy(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) resolveRedundancy() error {
	switch c.RedundancyName {
	case "":
	case "none":
		c.Redundancy = model.RedundancyNone
	case "xor":
		c.Redundancy = model.RedundancyXOR
	case "reed-solomon":
		c.Redundancy = model.RedundancyReedSolomon
	default:
		return fmt.Errorf("cairn: unknown redundancy scheme %q", c.RedundancyName)
	}
	return nil
}

func (c *Config) check() error {
	if c.BlockSize < model.HeaderSize+1 {
		return fmt.Errorf("cairn: block size %d cannot hold a header and payload", c.BlockSize)
	}
	if c.BlockSize < model.SuperblockSize {
		return fmt.Errorf("cairn: block size %d cannot hold the superblock", c.BlockSize)
	}
	if c.TotalBlocks < 2 {
		return errors.New("cairn: need at least one block besides the superblock")
	}
	if c.ReadCacheBlocks < 0 {
		return fmt.Errorf("cairn: negative read cache size %d", c.ReadCacheBlocks)
	}
	if c.Redundancy != model.RedundancyNone {
		if c.StripeData < 1 {
			return fmt.Errorf("cairn: stripe needs at least 1 data member, have %d", c.StripeData)
		}
		if c.Redundancy == model.RedundancyXOR {
			c.StripeParity = 1
		} else if c.StripeParity < 1 {
			return fmt.Errorf("cairn: stripe needs at least 1 parity member, have %d", c.StripeParity)
		}
	}
	return nil
}
