package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/archon-research/queuerelay/internal/ports/inbound"
	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// ListenerConfig holds configuration for the wakeup listener.
type ListenerConfig struct {
	// DefaultTimeout is used when a wakeup carries no timeout.
	DefaultTimeout time.Duration

	// MaxTimeout caps the timeout a wakeup may request. Wakeup leases must
	// outlast it or a long run is triggered twice.
	MaxTimeout time.Duration

	// IdleBackoff is how long to wait after an empty poll or a failed pull.
	// Backends that long-poll already wait inside Pull.
	IdleBackoff time.Duration

	// Logger is the structured logger for the listener.
	Logger *slog.Logger
}

// ListenerConfigDefaults returns a config with default values.
func ListenerConfigDefaults() ListenerConfig {
	return ListenerConfig{
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     15 * time.Minute,
		IdleBackoff:    time.Second,
		Logger:         slog.Default(),
	}
}

// Listener consumes wakeup messages and runs the relay once per wakeup.
type Listener struct {
	wakeups outbound.Subscription
	relay   inbound.RelayService
	config  ListenerConfig
	logger  *slog.Logger
}

// NewListener creates a listener draining wakeups and driving relay.
func NewListener(wakeups outbound.Subscription, relay inbound.RelayService, config ListenerConfig) (*Listener, error) {
	if wakeups == nil {
		return nil, errors.New("wakeup subscription is required")
	}
	if relay == nil {
		return nil, errors.New("relay service is required")
	}

	defaults := ListenerConfigDefaults()
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.MaxTimeout == 0 {
		config.MaxTimeout = max(defaults.MaxTimeout, config.DefaultTimeout)
	}
	if config.IdleBackoff == 0 {
		config.IdleBackoff = defaults.IdleBackoff
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Listener{
		wakeups: wakeups,
		relay:   relay,
		config:  config,
		logger:  config.Logger.With("component", "wakeup-listener"),
	}, nil
}

// Run polls for wakeups until ctx is cancelled. A run that has started is
// completed and acknowledged even if ctx is cancelled meanwhile.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listening for wakeups")
	for {
		if ctx.Err() != nil {
			l.logger.Info("wakeup listener stopped")
			return nil
		}

		handled, err := l.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("failed to poll for wakeups", "error", err)
		}
		if handled == 0 || err != nil {
			select {
			case <-ctx.Done():
			case <-time.After(l.config.IdleBackoff):
			}
		}
	}
}

// PollOnce pulls at most one wakeup and handles it. It returns the number of
// wakeups handled.
//
// Malformed wakeups are acknowledged and dropped. A wakeup whose run failed
// to pull from the input is left unacknowledged so the backend redelivers it.
func (l *Listener) PollOnce(ctx context.Context) (int, error) {
	batch, err := l.wakeups.Pull(ctx, 1)
	if err != nil {
		return 0, err
	}

	// Detach so shutdown lets the in-flight run finish and acknowledge.
	runCtx := context.WithoutCancel(ctx)

	handled := 0
	for _, msg := range batch {
		timeout, err := DecodeWakeup(msg.Payload, l.config.DefaultTimeout)
		if err != nil {
			l.logger.Error("dropping malformed wakeup", "messageID", msg.ID, "error", err)
			l.ack(runCtx, msg.ID, msg.AckToken)
			continue
		}
		if timeout > l.config.MaxTimeout {
			l.logger.Warn("capping wakeup timeout", "requested", timeout, "max", l.config.MaxTimeout)
			timeout = l.config.MaxTimeout
		}

		result, err := l.relay.Run(runCtx, timeout)
		if err != nil {
			l.logger.Error("relay run failed, wakeup left for redelivery",
				"messageID", msg.ID,
				"processed", result.Processed,
				"error", err,
			)
			continue
		}

		l.logger.Info(result.Summary(),
			"messageID", msg.ID,
			"processed", result.Processed,
			"total", result.TotalAtStart,
			"timedOut", result.TimedOut,
		)
		l.ack(runCtx, msg.ID, msg.AckToken)
		handled++
	}
	return handled, nil
}

func (l *Listener) ack(ctx context.Context, id, token string) {
	if err := l.wakeups.Acknowledge(ctx, []string{token}); err != nil {
		l.logger.Warn("failed to acknowledge wakeup", "messageID", id, "error", err)
	}
}
