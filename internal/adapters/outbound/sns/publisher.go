// Package sns implements the Publisher port using an AWS SNS topic.
//
// The relay forwards each drained payload to the topic, where downstream
// queues or endpoints subscribe to it. Payloads that are not valid UTF-8 are
// base64-encoded and tagged with a contentEncoding message attribute.
//
// Publish makes a single attempt beyond the SDK client's own retryer. A
// failed publish leaves the input message unacknowledged for redelivery.
// FIFO topics (ARN ending in ".fifo") get a group and deduplication ID.
//
// For testing, use the memory.Queue adapter instead.
package sns

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// Compile-time check that Publisher implements outbound.Publisher
var _ outbound.Publisher = (*Publisher)(nil)

// ErrClosed is returned when publishing to a closed publisher.
var ErrClosed = errors.New("sns publisher is closed")

// SNSPublisher defines the subset of SNS client methods used by Publisher.
// This interface allows for easy mocking in tests.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS publisher.
type Config struct {
	// TopicARN is the topic every payload is published to.
	TopicARN string

	// MessageGroupID is used for FIFO topics.
	MessageGroupID string

	// Logger is the structured logger for the publisher.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MessageGroupID: "relay",
		Logger:         slog.Default(),
	}
}

// Publisher publishes raw payloads to an SNS topic.
type Publisher struct {
	client    SNSPublisher
	config    Config
	fifo      bool
	logger    *slog.Logger
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewPublisher creates a new SNS publisher.
func NewPublisher(client SNSPublisher, config Config) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.MessageGroupID == "" {
		config.MessageGroupID = defaults.MessageGroupID
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Publisher{
		client: client,
		config: config,
		fifo:   strings.HasSuffix(config.TopicARN, ".fifo"),
		logger: config.Logger.With("component", "sns-publisher", "topic", config.TopicARN),
	}, nil
}

// Publish publishes payload to the topic and returns the SNS message ID.
func (p *Publisher) Publish(ctx context.Context, payload []byte) (string, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.config.TopicARN),
	}
	if utf8.Valid(payload) {
		input.Message = aws.String(string(payload))
	} else {
		input.Message = aws.String(base64.StdEncoding.EncodeToString(payload))
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"contentEncoding": {
				DataType:    aws.String("String"),
				StringValue: aws.String("base64"),
			},
		}
	}
	if p.fifo {
		input.MessageGroupId = aws.String(p.config.MessageGroupID)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Close marks the publisher as closed and prevents further publishing.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.logger.Info("SNS publisher closed")
	})
	return nil
}
