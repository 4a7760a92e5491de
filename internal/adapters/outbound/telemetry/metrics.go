package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// Compile-time check that RelayMetrics implements outbound.RelayMetricsRecorder
var _ outbound.RelayMetricsRecorder = (*RelayMetrics)(nil)

// RelayMetrics implements the RelayMetricsRecorder interface using OpenTelemetry.
type RelayMetrics struct {
	forwarded       metric.Int64Counter
	publishFailures metric.Int64Counter
	ackFailures     metric.Int64Counter
	batches         metric.Int64Counter
	runDuration     metric.Float64Histogram
	runProcessed    metric.Int64Histogram
}

// NewRelayMetrics creates a new OpenTelemetry metrics recorder on the global
// meter provider. meterName should typically be the package name or service name.
func NewRelayMetrics(meterName string) (*RelayMetrics, error) {
	return NewRelayMetricsWithProvider(otel.GetMeterProvider(), meterName)
}

// NewRelayMetricsWithProvider creates a metrics recorder with a custom meter provider.
func NewRelayMetricsWithProvider(mp metric.MeterProvider, meterName string) (*RelayMetrics, error) {
	meter := mp.Meter(meterName)

	forwarded, err := meter.Int64Counter(
		"relay_messages_forwarded_total",
		metric.WithDescription("Messages published to the output and acknowledged on the input"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_messages_forwarded_total counter: %w", err)
	}

	publishFailures, err := meter.Int64Counter(
		"relay_publish_failures_total",
		metric.WithDescription("Messages whose publish failed and were left for redelivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_publish_failures_total counter: %w", err)
	}

	ackFailures, err := meter.Int64Counter(
		"relay_ack_failures_total",
		metric.WithDescription("Batches whose acknowledgement failed after publishing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_ack_failures_total counter: %w", err)
	}

	batches, err := meter.Int64Counter(
		"relay_batches_total",
		metric.WithDescription("Non-empty batches pulled from the input"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_batches_total counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"relay_run_duration_seconds",
		metric.WithDescription("Wall time of a relay run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_run_duration_seconds histogram: %w", err)
	}

	runProcessed, err := meter.Int64Histogram(
		"relay_run_processed_messages",
		metric.WithDescription("Messages forwarded and acknowledged per relay run"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay_run_processed_messages histogram: %w", err)
	}

	return &RelayMetrics{
		forwarded:       forwarded,
		publishFailures: publishFailures,
		ackFailures:     ackFailures,
		batches:         batches,
		runDuration:     runDuration,
		runProcessed:    runProcessed,
	}, nil
}

// RecordBatch records the outcome of one pull-forward-acknowledge cycle.
func (m *RelayMetrics) RecordBatch(ctx context.Context, pulled, forwarded, failed int, ackFailed bool) {
	if pulled == 0 {
		return
	}
	m.batches.Add(ctx, 1)
	if forwarded > 0 {
		m.forwarded.Add(ctx, int64(forwarded))
	}
	if failed > 0 {
		m.publishFailures.Add(ctx, int64(failed))
	}
	if ackFailed {
		m.ackFailures.Add(ctx, 1)
	}
}

// RecordRun records the duration and processed count of a relay run,
// labelled by how it ended.
func (m *RelayMetrics) RecordRun(ctx context.Context, duration time.Duration, processed int, reason string) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
	m.runProcessed.Record(ctx, int64(processed), attrs)
}
