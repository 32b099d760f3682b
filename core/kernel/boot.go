// Package kernel assembles the page allocator and the buffer cache from a
// configuration, in the order a kernel brings them up at boot.
package kernel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/kcore/config"
	"github.com/sushant-115/kcore/core/clock"
	"github.com/sushant-115/kcore/core/memory/pagealloc"
	"github.com/sushant-115/kcore/core/storage/bcache"
	"github.com/sushant-115/kcore/core/storage/blockdev"
	internaltelemetry "github.com/sushant-115/kcore/internal/telemetry"
	"github.com/sushant-115/kcore/pkg/telemetry"
	"go.uber.org/zap"
)

// Kernel owns every booted component. Close tears them down in reverse order.
type Kernel struct {
	ID      uuid.UUID
	Config  config.Config
	Pages   *pagealloc.Allocator
	Cache   *bcache.Cache
	Disk    blockdev.Device
	Clock   *clock.Ticker
	Metrics *internaltelemetry.KernelMetrics

	logger *zap.Logger
}

// Boot brings up the clock, the block device, the page allocator and the
// buffer cache. A nil tel boots with no-op instruments.
func Boot(cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		var err error
		if tel, _, err = telemetry.New(telemetry.Config{Enabled: false}); err != nil {
			return nil, err
		}
	}
	id := uuid.New()
	logger = logger.With(zap.String("boot_id", id.String()))

	metrics, err := internaltelemetry.NewKernelMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel metrics: %w", err)
	}

	k := &Kernel{ID: id, Config: cfg, Metrics: metrics, logger: logger}

	k.Disk, err = openDevice(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	k.Disk = blockdev.NewThrottled(k.Disk, cfg.Storage.RateBytesPerSec)
	if cfg.Storage.Instrumented {
		k.Disk = blockdev.NewInstrumented(k.Disk, tel.Tracer, metrics)
	}

	k.Clock = clock.NewTicker(cfg.Clock.TickInterval)

	k.Pages, err = pagealloc.New(cfg.PageAlloc(),
		pagealloc.WithLogger(logger.Named("pagealloc")),
		pagealloc.WithMetrics(metrics),
	)
	if err != nil {
		k.Close()
		return nil, fmt.Errorf("failed to boot page allocator: %w", err)
	}

	k.Cache, err = bcache.New(cfg.BCache(), k.Disk, k.Clock,
		bcache.WithLogger(logger.Named("bcache")),
		bcache.WithMetrics(metrics),
	)
	if err != nil {
		k.Close()
		return nil, fmt.Errorf("failed to boot buffer cache: %w", err)
	}

	logger.Info("kernel booted",
		zap.Int("ncpu", k.Pages.NCPU()),
		zap.Int("pages", k.Pages.NumPages()),
		zap.Int("buffers", cfg.Cache.Buffers),
		zap.String("storage", cfg.Storage.Backend),
	)
	return k, nil
}

func openDevice(cfg config.StorageConfig, logger *zap.Logger) (blockdev.Device, error) {
	switch cfg.Backend {
	case config.BackendFile:
		d, err := blockdev.NewFileDisk(cfg.Path, logger.Named("filedisk"))
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BackendBolt:
		d, err := blockdev.OpenBoltDisk(cfg.Path)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return blockdev.NewMemDisk(), nil
	}
}

// Stats combines the allocator and cache summaries.
type Stats struct {
	BootID string          `json:"boot_id"`
	Ticks  uint64          `json:"ticks"`
	Pages  pagealloc.Stats `json:"pages"`
	Cache  bcache.Stats    `json:"cache"`
}

// Stats returns a snapshot of both components.
func (k *Kernel) Stats() Stats {
	return Stats{
		BootID: k.ID.String(),
		Ticks:  k.Clock.Now(),
		Pages:  k.Pages.Stats(),
		Cache:  k.Cache.Stats(),
	}
}

// Close stops the clock, unmaps the pool and closes the device.
func (k *Kernel) Close() error {
	var errs []error
	if k.Clock != nil {
		k.Clock.Stop()
	}
	if k.Pages != nil {
		errs = append(errs, k.Pages.Close())
	}
	if k.Disk != nil {
		errs = append(errs, k.Disk.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		k.logger.Error("kernel shutdown failed", zap.Error(err))
	} else {
		k.logger.Info("kernel shut down")
	}
	return err
}
