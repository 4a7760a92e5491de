// queue.go provides an in-memory queue implementing both the Subscription
// and Publisher ports.
//
// Pulled messages become invisible until acknowledged or until the
// visibility timeout elapses, after which the next Pull redelivers them
// under a fresh ack token. It is meant for tests and local runs
// (QUEUE_BACKEND=memory); nothing survives a restart.
//
// All operations are thread-safe.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archon-research/queuerelay/internal/domain/entity"
	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// Compile-time checks that Queue implements the queue ports.
var (
	_ outbound.Subscription = (*Queue)(nil)
	_ outbound.Publisher    = (*Queue)(nil)
)

// DefaultVisibilityTimeout is how long a pulled message stays invisible.
const DefaultVisibilityTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

type stored struct {
	id      string
	payload []byte
}

type lease struct {
	msg      stored
	expireAt time.Time
}

// Queue is an in-memory queue with visibility-timeout redelivery.
type Queue struct {
	mu         sync.Mutex
	ready      []stored
	inflight   map[string]lease
	visibility time.Duration
	now        func() time.Time
	closed     bool
}

// NewQueue creates an empty queue. A visibility timeout <= 0 uses
// DefaultVisibilityTimeout.
func NewQueue(visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Queue{
		inflight:   make(map[string]lease),
		visibility: visibility,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for visibility expiry.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Publish appends payload to the queue and returns its new message ID.
func (q *Queue) Publish(ctx context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	msg := stored{
		id:      uuid.NewString(),
		payload: append([]byte(nil), payload...),
	}
	q.ready = append(q.ready, msg)
	return msg.id, nil
}

// PendingCount returns the number of messages that a Pull could return now.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}
	q.requeueExpiredLocked()
	return len(q.ready), nil
}

// Pull leases up to maxMessages messages.
func (q *Queue) Pull(ctx context.Context, maxMessages int) (entity.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	q.requeueExpiredLocked()

	if maxMessages < 1 {
		maxMessages = 1
	}
	count := min(maxMessages, len(q.ready))

	batch := make(entity.Batch, 0, count)
	expireAt := q.now().Add(q.visibility)
	for _, msg := range q.ready[:count] {
		token := uuid.NewString()
		q.inflight[token] = lease{msg: msg, expireAt: expireAt}
		batch = append(batch, entity.Message{
			ID:       msg.id,
			Payload:  append([]byte(nil), msg.payload...),
			AckToken: token,
		})
	}
	q.ready = q.ready[count:]

	return batch, nil
}

// Acknowledge removes leased messages. Unknown or expired tokens are ignored.
func (q *Queue) Acknowledge(ctx context.Context, tokens []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	for _, token := range tokens {
		delete(q.inflight, token)
	}
	return nil
}

// Close marks the queue as closed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Payloads returns the payloads of all messages not yet acknowledged, ready
// ones first.
func (q *Queue) Payloads() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([][]byte, 0, len(q.ready)+len(q.inflight))
	for _, msg := range q.ready {
		out = append(out, msg.payload)
	}
	for _, l := range q.inflight {
		out = append(out, l.msg.payload)
	}
	return out
}

// InFlight returns the number of leased, unacknowledged messages.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// requeueExpiredLocked moves leases past their visibility timeout back to
// the front of the ready list. Must be called with q.mu held.
func (q *Queue) requeueExpiredLocked() {
	now := q.now()
	var expired []stored
	for token, l := range q.inflight {
		if !now.Before(l.expireAt) {
			expired = append(expired, l.msg)
			delete(q.inflight, token)
		}
	}
	if len(expired) > 0 {
		q.ready = append(expired, q.ready...)
	}
}
