package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// PublisherAPI defines the subset of SQS operations needed by Publisher.
type PublisherAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Compile-time check that Publisher implements outbound.Publisher
var _ outbound.Publisher = (*Publisher)(nil)

// PublisherConfig holds SQS publisher configuration.
type PublisherConfig struct {
	// QueueURL is the URL of the SQS queue to publish to.
	QueueURL string

	// MessageGroupID is used for FIFO queues (URL ending in ".fifo").
	MessageGroupID string
}

// Publisher sends payloads to an SQS queue. SendMessage returns only after
// SQS has stored the message, which gives the synchronous confirmation the
// relay requires before acknowledging the input.
type Publisher struct {
	client PublisherAPI
	config PublisherConfig
	fifo   bool
	logger *slog.Logger
}

// NewPublisher creates a new SQS publisher.
func NewPublisher(client PublisherAPI, config PublisherConfig, logger *slog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if config.QueueURL == "" {
		return nil, errors.New("queue URL is required")
	}
	if config.MessageGroupID == "" {
		config.MessageGroupID = "relay"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		client: client,
		config: config,
		fifo:   strings.HasSuffix(config.QueueURL, ".fifo"),
		logger: logger.With("component", "sqs-publisher", "queue", config.QueueURL),
	}, nil
}

// Publish sends payload and returns the SQS message ID. Payloads that are not
// valid UTF-8 are base64-encoded and flagged with a message attribute so
// Subscription can restore the original bytes.
func (p *Publisher) Publish(ctx context.Context, payload []byte) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl: aws.String(p.config.QueueURL),
	}
	if utf8.Valid(payload) {
		input.MessageBody = aws.String(string(payload))
	} else {
		input.MessageBody = aws.String(base64.StdEncoding.EncodeToString(payload))
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			contentEncodingAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(encodingBase64),
			},
		}
	}
	if p.fifo {
		input.MessageGroupId = aws.String(p.config.MessageGroupID)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	id := aws.ToString(out.MessageId)
	p.logger.Debug("published message", "messageID", id)
	return id, nil
}

// Close closes the publisher (no-op for SQS, but satisfies interface).
func (p *Publisher) Close() error {
	return nil
}
