// Package inbound contains the primary/inbound ports.
// These interfaces define the use cases that the application exposes.
package inbound

import (
	"context"
	"time"

	"github.com/archon-research/queuerelay/internal/domain/entity"
)

// RelayService defines the use cases invocation adapters call.
// HTTP handlers and wakeup listeners depend on this interface only.
type RelayService interface {
	// Run relays batches until the input is exhausted or timeout elapses.
	// A timeout <= 0 performs no relay steps.
	Run(ctx context.Context, timeout time.Duration) (entity.RelayResult, error)

	// Enqueue publishes payload directly to the input queue.
	Enqueue(ctx context.Context, payload []byte) (string, error)

	// Pending returns the number of messages waiting in the input queue.
	Pending(ctx context.Context) (int, error)
}

// HealthChecker defines the interface for services that can report readiness and liveness.
type HealthChecker interface {
	// IsReady returns true when the service is ready to handle traffic.
	IsReady() bool

	// IsHealthy returns true when the service is operating normally.
	IsHealthy() bool
}
