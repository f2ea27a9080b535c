package allreduce

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/unixpickle/paramsync/blockstore"
	"github.com/unixpickle/paramsync/compress"
)

// DefaultMaxClusterSize bounds the number of workers, and
// with it the block id space.
const DefaultMaxClusterSize = 1024

// Config holds the settings shared by every worker of a
// job.
type Config struct {
	// MaxClusterSize is the largest number of shards.
	MaxClusterSize int `yaml:"max_cluster_size"`

	// PoolSize bounds concurrent fetches and reductions.
	// If zero, half the hardware threads are used.
	PoolSize int `yaml:"pool_size"`

	Format     compress.Format       `yaml:"format"`
	Reduction  Reduction             `yaml:"reduction"`
	Durability blockstore.Durability `yaml:"durability"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		MaxClusterSize: DefaultMaxClusterSize,
		Format:         compress.BFloat16,
		Reduction:      Sum,
		Durability:     blockstore.MemoryOnly,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if err := blockstore.CheckClusterSize(c.MaxClusterSize); err != nil {
		return errors.Wrap(err, "max_cluster_size")
	}
	if c.PoolSize < 0 {
		return errors.Errorf("pool_size must not be negative, got %d", c.PoolSize)
	}
	switch c.Format {
	case compress.BFloat16, compress.Float16:
	default:
		return errors.Errorf("unsupported format: %s", c.Format)
	}
	switch c.Reduction {
	case Sum, Mean:
	default:
		return errors.Errorf("unsupported reduction: %s", c.Reduction)
	}
	switch c.Durability {
	case blockstore.MemoryOnly, blockstore.MemoryAndDisk:
	default:
		return errors.Errorf("unsupported durability: %s", c.Durability)
	}
	return nil
}
