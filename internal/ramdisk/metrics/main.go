package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Metrics struct {
	RequestDuration  metric.Int64Histogram
	TransferredBytes metric.Int64Counter
	FailedRequests   metric.Int64Counter
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("internal.ramdisk.metrics")

	duration, err := meter.Int64Histogram("ramdisk.requests.duration",
		metric.WithDescription("Time from dispatch to completion of a request"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get request duration metric: %w", err)
	}

	transferred, err := meter.Int64Counter("ramdisk.requests.transferred",
		metric.WithDescription("Bytes copied between requests and the backing store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get transferred bytes metric: %w", err)
	}

	failed, err := meter.Int64Counter("ramdisk.requests.failed",
		metric.WithDescription("Requests completed with an I/O error"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get failed requests metric: %w", err)
	}

	return Metrics{
		RequestDuration:  duration,
		TransferredBytes: transferred,
		FailedRequests:   failed,
	}, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails to create instruments.
		panic(err)
	}

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Microseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
