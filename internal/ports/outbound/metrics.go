package outbound

import (
	"context"
	"time"
)

// RelayMetricsRecorder records relay metrics without tying the service layer
// to a specific telemetry implementation.
type RelayMetricsRecorder interface {
	// RecordBatch records one relayed batch: how many messages were pulled,
	// how many were forwarded and how many publishes failed.
	// ackFailed is true when the batch acknowledgment call itself failed.
	RecordBatch(ctx context.Context, pulled, forwarded, failed int, ackFailed bool)

	// RecordRun records a completed relay run with its termination reason.
	RecordRun(ctx context.Context, duration time.Duration, processed int, reason string)
}
