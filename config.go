package cmdstream

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the TOML-loadable engine tuning. Backends that expose a
// driver configuration file map its batching section onto this struct
// and turn it into engine options via [Config.Options].
//
// Example:
//
//	batch_capacity = 262144
//	referenced_size_limit_mb = 64
//	resource_count_limit = 512
type Config struct {
	// BatchCapacity is the per-batch command-buffer capacity in bytes.
	// Zero keeps DefaultBatchCapacity.
	BatchCapacity int `toml:"batch_capacity"`

	// ReferencedSizeLimitMB caps the summed size of resources one batch
	// may reference before it is flushed early. Zero disables the cap.
	ReferencedSizeLimitMB int `toml:"referenced_size_limit_mb"`

	// ResourceCountLimit caps the number of distinct resources per
	// batch. Zero disables the cap.
	ResourceCountLimit int `toml:"resource_count_limit"`
}

// ParseConfig decodes a TOML document into a Config.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cmdstream: parse config: %w", err)
	}
	if c.BatchCapacity < 0 {
		return nil, fmt.Errorf("cmdstream: negative batch_capacity %d", c.BatchCapacity)
	}
	return &c, nil
}

// LoadConfig reads and parses a TOML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmdstream: read config: %w", err)
	}
	return ParseConfig(data)
}

// Options translates the config into engine options, suitable for
// passing straight to [New].
func (c *Config) Options() []Option {
	var opts []Option
	if c.BatchCapacity > 0 {
		opts = append(opts, WithBatchCapacity(c.BatchCapacity))
	}
	var policies []FlushPolicy
	if c.ReferencedSizeLimitMB > 0 {
		policies = append(policies, ReferencedSizeLimit(uint64(c.ReferencedSizeLimitMB)<<20))
	}
	if c.ResourceCountLimit > 0 {
		policies = append(policies, ResourceCountLimit(c.ResourceCountLimit))
	}
	if len(policies) > 0 {
		opts = append(opts, WithFlushPolicy(AnyOf(policies...)))
	}
	return opts
}
