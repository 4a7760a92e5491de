// Package relay moves messages from an input subscription to an output
// publisher, acknowledging each input message only after it was forwarded.
//
// A run is bounded by input exhaustion or a caller-supplied timeout. The
// deadline is only checked between batches: once a batch has been pulled it
// is always forwarded and acknowledged in full. Delivery is at-least-once; a
// message whose publish or acknowledgment fails is redelivered by the backend
// after its visibility timeout and may be forwarded again.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/archon-research/queuerelay/internal/domain/entity"
	"github.com/archon-research/queuerelay/internal/ports/inbound"
	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

const (
	tracerName = "github.com/archon-research/queuerelay/internal/services/relay"

	// unhealthyAfterPullFailures is the number of consecutive failed pulls
	// after which the service reports itself unhealthy.
	unhealthyAfterPullFailures = 3
)

// Compile-time checks that Service implements the inbound ports.
var (
	_ inbound.RelayService  = (*Service)(nil)
	_ inbound.HealthChecker = (*Service)(nil)
)

// Clock reports the current time. It exists so deadline handling can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds configuration for the relay service.
type Config struct {
	// BatchSize is the maximum number of messages pulled per batch.
	BatchSize int

	// PublishRate limits forwarded messages per second. Zero disables pacing.
	PublishRate float64

	// PublishBurst is the limiter burst size when PublishRate is set.
	PublishBurst int

	// Metrics is the metrics recorder (optional).
	Metrics outbound.RelayMetricsRecorder

	// Clock is the time source for deadline checks.
	Clock Clock

	// Logger for the service.
	Logger *slog.Logger
}

// ConfigDefaults returns sensible defaults for the relay service.
func ConfigDefaults() Config {
	return Config{
		BatchSize:    10,
		PublishBurst: 1,
		Clock:        systemClock{},
		Logger:       slog.Default(),
	}
}

// Service relays messages from an input subscription to an output publisher.
// It holds no per-run state, so concurrent runs are independent and rely on
// the backend's pull/acknowledge isolation.
type Service struct {
	config  Config
	input   outbound.Subscription
	enqueue outbound.Publisher
	output  outbound.Publisher
	limiter *rate.Limiter
	metrics outbound.RelayMetricsRecorder
	clock   Clock
	logger  *slog.Logger

	ready        atomic.Bool
	pullFailures atomic.Int32
}

// NewService creates a new relay service.
// input is drained by Run, enqueue publishes to the same input queue for
// Enqueue, and output receives forwarded payloads.
func NewService(
	config Config,
	input outbound.Subscription,
	enqueue outbound.Publisher,
	output outbound.Publisher,
) (*Service, error) {
	if input == nil {
		return nil, fmt.Errorf("input subscription is required")
	}
	if enqueue == nil {
		return nil, fmt.Errorf("input publisher is required")
	}
	if output == nil {
		return nil, fmt.Errorf("output publisher is required")
	}

	defaults := ConfigDefaults()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PublishBurst <= 0 {
		config.PublishBurst = defaults.PublishBurst
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	var limiter *rate.Limiter
	if config.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PublishRate), config.PublishBurst)
	}

	return &Service{
		config:  config,
		input:   input,
		enqueue: enqueue,
		output:  output,
		limiter: limiter,
		metrics: config.Metrics,
		clock:   config.Clock,
		logger:  config.Logger.With("component", "relay"),
	}, nil
}

// Enqueue publishes payload directly to the input queue, bypassing the relay
// loop, and returns the assigned message ID.
func (s *Service) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", entity.ErrEmptyPayload
	}

	id, err := s.enqueue.Publish(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("adding message to input queue: %w", err)
	}

	s.logger.Info("message added to input queue", "messageID", id)
	return id, nil
}

// Pending returns the number of messages waiting in the input queue.
func (s *Service) Pending(ctx context.Context) (int, error) {
	count, err := s.input.PendingCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	s.ready.Store(true)
	return count, nil
}

// IsReady reports whether the input queue has been reached at least once.
func (s *Service) IsReady() bool {
	return s.ready.Load()
}

// IsHealthy reports whether recent pulls from the input queue succeed.
func (s *Service) IsHealthy() bool {
	return s.pullFailures.Load() < unhealthyAfterPullFailures
}
