// Package redis provides a Redis Streams implementation of the Subscription
// and Publisher ports.
//
// Payloads are stored under a single field of each stream entry. Draining
// uses a consumer group: XREADGROUP leases new entries to this consumer, the
// entry ID is the ack token, and acknowledging runs XACK and XDEL. Entries a
// consumer leased but never acknowledged become claimable again after MinIdle,
// which plays the role of a visibility timeout.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/queuerelay/internal/domain/entity"
	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// payloadField is the stream entry field holding the message payload.
const payloadField = "payload"

// Compile-time checks that Stream implements the queue ports
var (
	_ outbound.Subscription = (*Stream)(nil)
	_ outbound.Publisher    = (*Stream)(nil)
)

// Config holds Redis stream configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int

	// Stream is the stream key.
	Stream string
	// Group is the consumer group used when draining. Leave empty for a
	// publish-only stream.
	Group string
	// Consumer names this process within the group.
	Consumer string

	// MinIdle is how long a leased entry stays unacknowledged before another
	// pull may claim it again.
	MinIdle time.Duration
	// Block is how long a pull waits for new entries. Zero does not wait.
	Block time.Duration
	// MaxLen approximately caps the stream length on publish. Zero disables trimming.
	MaxLen int64
}

// ConfigDefaults returns sensible defaults for Redis stream configuration.
func ConfigDefaults() Config {
	consumer := "relay"
	if host, err := os.Hostname(); err == nil && host != "" {
		consumer = "relay-" + host
	}
	return Config{
		Addr:     "localhost:6379",
		Consumer: consumer,
		MinIdle:  30 * time.Second,
	}
}

// Stream is a Redis Streams queue.
type Stream struct {
	client *redis.Client
	config Config
	logger *slog.Logger
}

// NewStream creates a new Redis stream adapter.
func NewStream(cfg Config, logger *slog.Logger) (*Stream, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}

	defaults := ConfigDefaults()
	if cfg.Consumer == "" {
		cfg.Consumer = defaults.Consumer
	}
	if cfg.MinIdle == 0 {
		cfg.MinIdle = defaults.MinIdle
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis-stream", "stream", cfg.Stream)

	return &Stream{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

// Ping checks the Redis connection.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// EnsureGroup creates the stream and consumer group if they do not exist.
// A new group starts at the beginning of the stream.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	if s.config.Group == "" {
		return errors.New("consumer group is required")
	}
	err := s.client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish appends payload to the stream and returns the entry ID.
func (s *Stream) Publish(ctx context.Context, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.config.Stream,
		Values: map[string]any{payloadField: payload},
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add stream entry: %w", err)
	}
	return id, nil
}

// PendingCount returns the number of entries not yet acknowledged by the
// group: those never delivered plus those leased and outstanding.
func (s *Stream) PendingCount(ctx context.Context) (int, error) {
	if s.config.Group == "" {
		n, err := s.client.XLen(ctx, s.config.Stream).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to get stream length: %w", err)
		}
		return int(n), nil
	}

	groups, err := s.client.XInfoGroups(ctx, s.config.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer groups: %w", err)
	}
	for _, g := range groups {
		if g.Name == s.config.Group {
			// Lag is -1 when Redis cannot compute it.
			return int(g.Pending + max(g.Lag, 0)), nil
		}
	}
	return 0, fmt.Errorf("consumer group %s not found", s.config.Group)
}

// Pull leases up to maxMessages entries. Entries whose lease expired are
// reclaimed before new entries are read.
func (s *Stream) Pull(ctx context.Context, maxMessages int) (entity.Batch, error) {
	if s.config.Group == "" {
		return nil, errors.New("consumer group is required")
	}
	maxMessages = max(1, maxMessages)

	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.config.Stream,
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		MinIdle:  s.config.MinIdle,
		Start:    "0-0",
		Count:    int64(maxMessages),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim idle entries: %w", err)
	}
	if reclaimed := s.toBatch(claimed); len(reclaimed) > 0 {
		s.logger.Debug("reclaimed idle entries", "count", len(reclaimed))
		return reclaimed, nil
	}

	block := time.Duration(-1)
	if s.config.Block > 0 {
		block = s.config.Block
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		Streams:  []string{s.config.Stream, ">"},
		Count:    int64(maxMessages),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return entity.Batch{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from group: %w", err)
	}

	var batch entity.Batch
	for _, st := range streams {
		batch = append(batch, s.toBatch(st.Messages)...)
	}
	if batch == nil {
		batch = entity.Batch{}
	}
	return batch, nil
}

// Acknowledge acknowledges and deletes the given entries in one transaction.
func (s *Stream) Acknowledge(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if s.config.Group == "" {
		return errors.New("consumer group is required")
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, s.config.Stream, s.config.Group, tokens...)
		pipe.XDel(ctx, s.config.Stream, tokens...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge entries: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) toBatch(messages []redis.XMessage) entity.Batch {
	batch := make(entity.Batch, 0, len(messages))
	for _, m := range messages {
		payload, ok := payloadOf(m)
		if !ok {
			// Acknowledging would lose it; leave it for inspection.
			s.logger.Error("skipping stream entry without payload", "entryID", m.ID)
			continue
		}
		batch = append(batch, entity.Message{
			ID:       m.ID,
			Payload:  payload,
			AckToken: m.ID,
		})
	}
	return batch
}

func payloadOf(m redis.XMessage) ([]byte, bool) {
	switch v := m.Values[payloadField].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}
