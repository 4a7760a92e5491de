// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"

	"github.com/archon-research/queuerelay/internal/domain/entity"
)

// Subscription is the consuming side of a managed queue: the capabilities the
// relay needs to drain the input queue.
type Subscription interface {
	// PendingCount returns the approximate number of messages waiting to be
	// pulled. The value may be stale as soon as it is returned.
	PendingCount(ctx context.Context) (int, error)

	// Pull fetches up to maxMessages not-yet-acknowledged messages and makes
	// them invisible to other pullers until acknowledged or until the
	// backend's visibility timeout elapses.
	// Returns an empty batch if no messages are available.
	Pull(ctx context.Context, maxMessages int) (entity.Batch, error)

	// Acknowledge marks the deliveries identified by tokens as processed so
	// they are not redelivered. Order is irrelevant and duplicates are harmless.
	Acknowledge(ctx context.Context, tokens []string) error

	// Close releases resources held by the subscription.
	Close() error
}

// Publisher is the producing side of a managed queue or topic.
type Publisher interface {
	// Publish sends payload and returns the backend-assigned message ID.
	// It returns only after the backend has durably accepted the message.
	Publish(ctx context.Context, payload []byte) (string, error)

	// Close releases resources held by the publisher.
	Close() error
}
