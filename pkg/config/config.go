// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/logutil"
)

// Duration is a toml-friendly wrapper parsing "10s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the full configuration of a shard query service.
type Config struct {
	// ShardCount is the number of shards of the local store.
	ShardCount uint32 `toml:"shard-count"`

	// MaxConcurrentReads bounds the reads admitted per shard at a time.
	MaxConcurrentReads int `toml:"max-concurrent-reads"`

	// MaxInactiveReads bounds the suspended reads kept per shard before
	// the oldest are evicted.
	MaxInactiveReads int `toml:"max-inactive-reads"`

	// MaxMemoryPerRead is the memory budget in bytes one read may hold.
	MaxMemoryPerRead int64 `toml:"max-memory-per-read"`

	// PageMaxRows is the default row limit of one page.
	PageMaxRows uint64 `toml:"page-max-rows"`

	// PageMaxPartitions is the default partition limit of one page.
	PageMaxPartitions uint64 `toml:"page-max-partitions"`

	// ReadTimeout bounds one page execution.
	ReadTimeout Duration `toml:"read-timeout"`

	// CacheTTL is how long a suspended reader stays cached between pages.
	CacheTTL Duration `toml:"cache-ttl"`

	// CacheCapacity bounds the suspended readers cached per shard.
	CacheCapacity int `toml:"cache-capacity"`

	// Engine selects the storage backend, mem or pebble.
	Engine string `toml:"engine"`

	// DataDir is the pebble data directory.
	DataDir string `toml:"data-dir"`

	// MetricsAddr, when non-empty, serves prometheus metrics on this address.
	MetricsAddr string `toml:"metrics-addr"`

	// Log configures the global logger.
	Log logutil.LogConfig `toml:"log"`
}

// ParseFromFile decodes a toml file, applies defaults and validates.
func ParseFromFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, qerr.NewBadConfig(context.Background(), "parse %s: %v", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	if c.ShardCount == 0 {
		c.ShardCount = 4
	}
	if c.MaxConcurrentReads == 0 {
		c.MaxConcurrentReads = 100
	}
	if c.MaxInactiveReads == 0 {
		c.MaxInactiveReads = 10
	}
	if c.MaxMemoryPerRead == 0 {
		c.MaxMemoryPerRead = 16 << 20
	}
	if c.PageMaxRows == 0 {
		c.PageMaxRows = 1000
	}
	if c.PageMaxPartitions == 0 {
		c.PageMaxPartitions = 100
	}
	if c.ReadTimeout.Duration == 0 {
		c.ReadTimeout.Duration = 30 * time.Second
	}
	if c.CacheTTL.Duration == 0 {
		c.CacheTTL.Duration = time.Minute
	}
	if c.CacheCapacity == 0 {
		c.CacheCapacity = 128
	}
	if c.Engine == "" {
		c.Engine = "mem"
	}
	c.Log.SetDefaults()
}

func (c *Config) Validate() error {
	ctx := context.Background()
	if c.ShardCount == 0 {
		return qerr.NewBadConfig(ctx, "shard-count must be positive")
	}
	if c.MaxConcurrentReads < 1 {
		return qerr.NewBadConfig(ctx, "max-concurrent-reads must be at least 1, got %d", c.MaxConcurrentReads)
	}
	if c.MaxMemoryPerRead < 1 {
		return qerr.NewBadConfig(ctx, "max-memory-per-read must be positive, got %d", c.MaxMemoryPerRead)
	}
	switch c.Engine {
	case "mem":
	case "pebble":
		if c.DataDir == "" {
			return qerr.NewBadConfig(ctx, "engine pebble requires data-dir")
		}
	default:
		return qerr.NewBadConfig(ctx, "unknown engine %s", c.Engine)
	}
	return nil
}
