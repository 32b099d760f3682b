package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// KernelMetrics holds all the metric instruments for the page allocator,
// the buffer cache and the block devices under it.
type KernelMetrics struct {
	PageAllocsCounter  metric.Int64Counter
	PageFreesCounter   metric.Int64Counter
	PageStealsCounter  metric.Int64Counter
	OutOfMemoryCounter metric.Int64Counter
	PagesInUse         metric.Int64UpDownCounter

	CacheHitsCounter      metric.Int64Counter
	CacheMissesCounter    metric.Int64Counter
	CacheEvictionsCounter metric.Int64Counter

	DiskReadsCounter     metric.Int64Counter
	DiskWritesCounter    metric.Int64Counter
	DiskLatencyHistogram metric.Float64Histogram
}

// NewKernelMetrics creates and registers all the metrics for the kernel core.
func NewKernelMetrics(meter metric.Meter) (*KernelMetrics, error) {
	m := &KernelMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PageAllocsCounter, "kcore.pagealloc.allocs_total", "Pages handed out by the allocator."},
		{&m.PageFreesCounter, "kcore.pagealloc.frees_total", "Pages returned to a free list."},
		{&m.PageStealsCounter, "kcore.pagealloc.stolen_total", "Pages moved between per-core free lists."},
		{&m.OutOfMemoryCounter, "kcore.pagealloc.oom_total", "Allocations that found no free page."},
		{&m.CacheHitsCounter, "kcore.bcache.hits_total", "Lookups satisfied by a cached buffer."},
		{&m.CacheMissesCounter, "kcore.bcache.misses_total", "Lookups that had to recycle a buffer."},
		{&m.CacheEvictionsCounter, "kcore.bcache.evictions_total", "Buffers rebound to a different block."},
		{&m.DiskReadsCounter, "kcore.disk.reads_total", "Blocks read from storage."},
		{&m.DiskWritesCounter, "kcore.disk.writes_total", "Blocks written to storage."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
	}

	m.PagesInUse, err = meter.Int64UpDownCounter(
		"kcore.pagealloc.in_use",
		metric.WithDescription("Pages currently allocated."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.DiskLatencyHistogram, err = meter.Float64Histogram(
		"kcore.disk.duration",
		metric.WithDescription("The latency of block storage operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopKernelMetrics returns instruments that record nothing.
func NoopKernelMetrics() *KernelMetrics {
	m, err := NewKernelMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// The noop meter never fails to create instruments.
		panic(err)
	}
	return m
}
