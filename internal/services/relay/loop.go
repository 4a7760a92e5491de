package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/queuerelay/internal/domain/entity"
)

// Run relays batches until a pull returns nothing or timeout has elapsed.
//
// The deadline is checked before every pull, so a timeout <= 0 performs no
// pull at all. A batch that was pulled before the deadline is always relayed
// and acknowledged completely, even if that overruns the deadline.
// ctx is passed to queue calls but is not itself a stop signal for the loop.
//
// The only error returned is a failed pull, which aborts the run. The
// returned result then holds the counts accumulated so far.
func (s *Service) Run(ctx context.Context, timeout time.Duration) (entity.RelayResult, error) {
	start := s.clock.Now()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "relay.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Float64("relay.timeout_seconds", timeout.Seconds())),
	)
	defer span.End()

	var result entity.RelayResult

	total, err := s.input.PendingCount(ctx)
	if err != nil {
		s.logger.Warn("failed to count pending messages", "error", err)
	} else {
		result.TotalAtStart = total
		s.ready.Store(true)
	}

	for {
		if s.clock.Now().Sub(start) >= timeout {
			result.TimedOut = true
			result.Reason = entity.TerminationTimedOut
			break
		}

		outcome, err := s.RelayBatch(ctx)
		if err != nil {
			result.Duration = s.clock.Now().Sub(start)
			span.RecordError(err)
			span.SetStatus(codes.Error, "relay aborted")
			s.logger.Error("relay aborted",
				"processed", result.Processed,
				"total", result.TotalAtStart,
				"error", err,
			)
			return result, err
		}

		result.Processed += outcome.Count
		result.Failed += outcome.Failed
		if !outcome.HadMessages {
			result.Reason = entity.TerminationExhausted
			break
		}
		result.Batches++
	}

	result.Duration = s.clock.Now().Sub(start)

	span.SetAttributes(
		attribute.Int("relay.processed", result.Processed),
		attribute.Int("relay.total_at_start", result.TotalAtStart),
		attribute.String("relay.reason", result.Reason.String()),
	)

	if result.TimedOut {
		s.logger.Info("timeout reached",
			"processed", result.Processed,
			"total", result.TotalAtStart,
			"batches", result.Batches,
			"duration", result.Duration,
		)
	} else {
		s.logger.Info("no more messages to process",
			"processed", result.Processed,
			"total", result.TotalAtStart,
			"batches", result.Batches,
			"duration", result.Duration,
		)
	}

	if s.metrics != nil {
		s.metrics.RecordRun(ctx, result.Duration, result.Processed, result.Reason.String())
	}

	return result, nil
}
