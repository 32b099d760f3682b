// Package config loads the kcore configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sushant-115/kcore/core/kerr"
	"github.com/sushant-115/kcore/core/memory/pagealloc"
	"github.com/sushant-115/kcore/core/storage/bcache"
	"github.com/sushant-115/kcore/pkg/logger"
	"github.com/sushant-115/kcore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
)

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Memory    MemoryConfig     `yaml:"memory"`
	Cache     CacheConfig      `yaml:"cache"`
	Storage   StorageConfig    `yaml:"storage"`
	Clock     ClockConfig      `yaml:"clock"`
}

// MemoryConfig describes the physical page pool.
type MemoryConfig struct {
	NCPU       int    `yaml:"ncpu"`
	PoolStart  uint64 `yaml:"pool_start"`
	PoolEnd    uint64 `yaml:"pool_end"`
	StealBatch int    `yaml:"steal_batch"`
	BootCore   int    `yaml:"boot_core"`
}

// CacheConfig sizes the buffer cache.
type CacheConfig struct {
	Buffers int `yaml:"buffers"`
	Buckets int `yaml:"buckets"`
}

// StorageConfig selects the block device behind the cache.
type StorageConfig struct {
	// Backend is one of "memory", "file" or "bolt".
	Backend string `yaml:"backend"`
	// Path is a directory for the file backend and a database file for bolt.
	Path string `yaml:"path"`
	// RateBytesPerSec throttles device transfers. Zero disables throttling.
	RateBytesPerSec int64 `yaml:"rate_bytes_per_sec"`
	// Instrumented wraps the device with tracing spans and latency metrics.
	Instrumented bool `yaml:"instrumented"`
}

// ClockConfig drives the tick counter used for LRU stamps.
type ClockConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// Default returns the configuration of the reference machine with an
// in-memory disk and telemetry off.
func Default() Config {
	pa := pagealloc.DefaultConfig()
	bc := bcache.DefaultConfig()
	return Config{
		Logger: logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName:      "kcore",
			TraceSampleRatio: 1.0,
		},
		Memory: MemoryConfig{
			NCPU:       pa.NCPU,
			PoolStart:  uint64(pa.PoolStart),
			PoolEnd:    uint64(pa.PoolEnd),
			StealBatch: pa.StealBatch,
			BootCore:   int(pa.BootCore),
		},
		Cache: CacheConfig{Buffers: bc.Buffers, Buckets: bc.Buckets},
		Storage: StorageConfig{
			Backend:      BackendMemory,
			Instrumented: true,
		},
		Clock: ClockConfig{TickInterval: 100 * time.Millisecond},
	}
}

// Load reads path over the defaults. An empty path yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", kerr.ErrBadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PageAlloc converts the memory section for pagealloc.New.
func (c Config) PageAlloc() pagealloc.Config {
	return pagealloc.Config{
		NCPU:       c.Memory.NCPU,
		PoolStart:  uintptr(c.Memory.PoolStart),
		PoolEnd:    uintptr(c.Memory.PoolEnd),
		StealBatch: c.Memory.StealBatch,
		BootCore:   pagealloc.CoreID(c.Memory.BootCore),
	}
}

// BCache converts the cache section for bcache.New.
func (c Config) BCache() bcache.Config {
	return bcache.Config{Buffers: c.Cache.Buffers, Buckets: c.Cache.Buckets}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.PageAlloc().Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.BCache().Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage: backend %q needs a path", kerr.ErrBadConfig, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: storage: unknown backend %q", kerr.ErrBadConfig, c.Storage.Backend)
	}
	if c.Storage.RateBytesPerSec < 0 {
		return fmt.Errorf("%w: storage: negative rate %d", kerr.ErrBadConfig, c.Storage.RateBytesPerSec)
	}
	if c.Clock.TickInterval <= 0 {
		return fmt.Errorf("%w: clock: tick interval must be positive", kerr.ErrBadConfig)
	}
	return nil
}
