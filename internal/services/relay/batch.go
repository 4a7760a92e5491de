package relay

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BatchOutcome describes one relayed batch.
type BatchOutcome struct {
	// Tokens are the ack tokens of the messages that were forwarded.
	Tokens []string

	// Count is len(Tokens).
	Count int

	// HadMessages is false when the pull returned nothing, which signals
	// exhaustion to the loop.
	HadMessages bool

	// Failed is the number of messages whose publish failed. They stay
	// unacknowledged and will be redelivered.
	Failed int

	// AckFailed is true when acknowledging Tokens failed. The forwarded
	// messages will then be redelivered and forwarded again.
	AckFailed bool
}

// RelayBatch pulls one batch, publishes every message to the output in pull
// order and acknowledges the forwarded ones in a single call.
//
// Only a pull failure is returned as an error. Publish and acknowledgment
// failures are logged and leave the affected messages to backend redelivery;
// nothing is retried within the batch.
func (s *Service) RelayBatch(ctx context.Context) (BatchOutcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "relay.batch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("batch.max_size", s.config.BatchSize)),
	)
	defer span.End()

	batch, err := s.input.Pull(ctx, s.config.BatchSize)
	if err != nil {
		s.pullFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pull failed")
		return BatchOutcome{}, fmt.Errorf("pulling batch: %w", err)
	}
	s.pullFailures.Store(0)

	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	if len(batch) == 0 {
		return BatchOutcome{}, nil
	}

	s.logger.Debug("received messages", "count", len(batch))

	outcome := BatchOutcome{
		Tokens:      make([]string, 0, len(batch)),
		HadMessages: true,
	}
	for _, msg := range batch {
		publishedID, err := s.forward(ctx, msg.Payload)
		if err != nil {
			outcome.Failed++
			s.logger.Warn("failed to forward message, leaving it for redelivery",
				"messageID", msg.ID,
				"error", err,
			)
			continue
		}
		s.logger.Debug("forwarded message", "messageID", msg.ID, "publishedID", publishedID)
		outcome.Tokens = append(outcome.Tokens, msg.AckToken)
	}
	outcome.Count = len(outcome.Tokens)

	if outcome.Count > 0 {
		if err := s.input.Acknowledge(ctx, outcome.Tokens); err != nil {
			// Forwarded messages will be redelivered and forwarded again.
			outcome.AckFailed = true
			span.RecordError(err)
			s.logger.Error("failed to acknowledge batch",
				"count", outcome.Count,
				"error", err,
			)
		}
	}

	span.SetAttributes(
		attribute.Int("batch.forwarded", outcome.Count),
		attribute.Int("batch.failed", outcome.Failed),
		attribute.Bool("batch.ack_failed", outcome.AckFailed),
	)
	if outcome.Failed > 0 || outcome.AckFailed {
		span.SetStatus(codes.Error, "batch partially relayed")
	}

	if s.metrics != nil {
		s.metrics.RecordBatch(ctx, len(batch), outcome.Count, outcome.Failed, outcome.AckFailed)
	}

	return outcome, nil
}

func (s *Service) forward(ctx context.Context, payload []byte) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for publish slot: %w", err)
		}
	}
	return s.output.Publish(ctx, payload)
}
