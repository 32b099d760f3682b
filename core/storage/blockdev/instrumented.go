package blockdev

import (
	"context"
	"time"

	internaltelemetry "github.com/sushant-115/kcore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumented records a span, a counter and a latency sample for every
// block that passes through the wrapped Device.
type Instrumented struct {
	Device
	tracer  trace.Tracer
	metrics *internaltelemetry.KernelMetrics
}

// NewInstrumented wraps dev. A nil metrics set records nothing.
func NewInstrumented(dev Device, tracer trace.Tracer, metrics *internaltelemetry.KernelMetrics) *Instrumented {
	if metrics == nil {
		metrics = internaltelemetry.NoopKernelMetrics()
	}
	return &Instrumented{Device: dev, tracer: tracer, metrics: metrics}
}

func (i *Instrumented) ReadWrite(dev, blockno uint32, data []byte, write bool) error {
	op := "read"
	counter := i.metrics.DiskReadsCounter
	if write {
		op = "write"
		counter = i.metrics.DiskWritesCounter
	}
	attrs := []attribute.KeyValue{
		attribute.Int64("kcore.dev", int64(dev)),
		attribute.Int64("kcore.blockno", int64(blockno)),
		attribute.String("kcore.op", op),
	}
	ctx, span := i.tracer.Start(context.Background(), "blockdev."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := i.Device.ReadWrite(dev, blockno, data, write)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	opAttr := metric.WithAttributes(attribute.String("kcore.op", op))
	i.metrics.DiskLatencyHistogram.Record(ctx, elapsed, opAttr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	counter.Add(ctx, 1)
	return nil
}
