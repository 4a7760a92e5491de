// Package sqs provides SQS adapters for draining and publishing to AWS SQS queues.
//
// Subscription maps the relay's pull/acknowledge contract onto SQS:
// ReceiveMessage leases messages for the queue's visibility timeout, the
// receipt handle is the ack token, and acknowledging deletes the message.
package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/archon-research/queuerelay/internal/domain/entity"
	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

const (
	// maxBatchSize is the SQS limit for ReceiveMessage and DeleteMessageBatch.
	maxBatchSize = 10

	// contentEncodingAttribute marks bodies that were base64-encoded because
	// the payload was not valid UTF-8.
	contentEncodingAttribute = "contentEncoding"
	encodingBase64           = "base64"

	// maxSkippedReceives bounds how many receives in a row may return only
	// messages that cannot be relayed before Pull gives up.
	maxSkippedReceives = 3
)

// ErrOnlyUnusableMessages is returned by Pull when consecutive receives
// returned messages but none of them could be decoded. It keeps a queue
// head of poison messages from looking like an exhausted queue.
var ErrOnlyUnusableMessages = errors.New("received only unusable messages")

// SubscriptionAPI defines the subset of SQS operations needed by Subscription.
type SubscriptionAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Compile-time check that Subscription implements outbound.Subscription
var _ outbound.Subscription = (*Subscription)(nil)

// Config holds SQS subscription configuration.
type Config struct {
	// QueueURL is the URL of the SQS queue to consume from.
	QueueURL string

	// WaitTimeSeconds is how long a pull waits for messages (long polling).
	// An empty pull ends a relay run, so keep this short. Max is 20 seconds.
	WaitTimeSeconds int32

	// VisibilityTimeout overrides the queue's visibility timeout for pulled
	// messages, in seconds. Zero keeps the queue default.
	VisibilityTimeout int32
}

// ConfigDefaults returns sensible defaults for SQS subscription configuration.
func ConfigDefaults() Config {
	return Config{
		WaitTimeSeconds: 1,
	}
}

// Subscription is an SQS implementation of the outbound.Subscription port.
type Subscription struct {
	client SubscriptionAPI
	config Config
	logger *slog.Logger
}

// NewSubscription creates a new SQS subscription.
func NewSubscription(client SubscriptionAPI, config Config, logger *slog.Logger) (*Subscription, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if config.QueueURL == "" {
		return nil, errors.New("queue URL is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	defaults := ConfigDefaults()
	if config.WaitTimeSeconds == 0 {
		config.WaitTimeSeconds = defaults.WaitTimeSeconds
	}
	if config.WaitTimeSeconds < 0 {
		config.WaitTimeSeconds = 0
	}
	if config.WaitTimeSeconds > 20 {
		config.WaitTimeSeconds = 20
	}

	return &Subscription{
		client: client,
		config: config,
		logger: logger.With("component", "sqs-subscription", "queue", config.QueueURL),
	}, nil
}

// PendingCount returns the queue's ApproximateNumberOfMessages attribute.
func (s *Subscription) PendingCount(ctx context.Context) (int, error) {
	name := types.QueueAttributeNameApproximateNumberOfMessages
	out, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(s.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{name},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	raw, ok := out.Attributes[string(name)]
	if !ok {
		return 0, fmt.Errorf("queue attribute %s missing from response", name)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return count, nil
}

// Pull fetches up to maxMessages from the queue.
//
// Messages that are incomplete or cannot be decoded are skipped and left to
// the queue's redrive policy. An empty batch is only returned when SQS
// itself returned nothing.
func (s *Subscription) Pull(ctx context.Context, maxMessages int) (entity.Batch, error) {
	maxMessages = max(1, min(maxMessages, maxBatchSize))

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.config.QueueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       s.config.WaitTimeSeconds,
		MessageAttributeNames: []string{"All"},
	}
	if s.config.VisibilityTimeout > 0 {
		input.VisibilityTimeout = s.config.VisibilityTimeout
	}

	for attempt := 1; ; attempt++ {
		result, err := s.client.ReceiveMessage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to receive messages: %w", err)
		}
		if len(result.Messages) == 0 {
			return entity.Batch{}, nil
		}

		batch := s.toBatch(result.Messages)
		if len(batch) > 0 {
			s.logger.Debug("received messages", "count", len(batch))
			return batch, nil
		}

		// Skipped messages are now invisible, so the next receive sees the
		// rest of the queue.
		if attempt >= maxSkippedReceives {
			return nil, fmt.Errorf("%w after %d receives", ErrOnlyUnusableMessages, attempt)
		}
		s.logger.Warn("receive returned no usable messages, receiving again",
			"received", len(result.Messages),
			"attempt", attempt,
		)
	}
}

func (s *Subscription) toBatch(messages []types.Message) entity.Batch {
	batch := make(entity.Batch, 0, len(messages))
	for _, msg := range messages {
		if msg.MessageId == nil || msg.ReceiptHandle == nil || msg.Body == nil {
			continue
		}
		payload, err := decodeBody(msg)
		if err != nil {
			// Leave it unacknowledged; the queue's redrive policy decides its fate.
			s.logger.Error("skipping undecodable message", "messageID", *msg.MessageId, "error", err)
			continue
		}
		batch = append(batch, entity.Message{
			ID:       *msg.MessageId,
			Payload:  payload,
			AckToken: *msg.ReceiptHandle,
		})
	}
	return batch
}

// Acknowledge deletes the messages identified by the given receipt handles,
// in chunks of ten. Duplicate handles are sent once.
func (s *Subscription) Acknowledge(ctx context.Context, tokens []string) error {
	unique := dedupe(tokens)

	var errs []error
	for start := 0; start < len(unique); start += maxBatchSize {
		chunk := unique[start:min(start+maxBatchSize, len(unique))]

		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, handle := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(handle),
			}
		}

		out, err := s.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(s.config.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete message batch: %w", err))
			continue
		}
		for _, failed := range out.Failed {
			errs = append(errs, fmt.Errorf("failed to delete message %s: %s (%s)",
				aws.ToString(failed.Id), aws.ToString(failed.Message), aws.ToString(failed.Code)))
		}
	}

	return errors.Join(errs...)
}

// Close closes the subscription (no-op for SQS, but satisfies interface).
func (s *Subscription) Close() error {
	return nil
}

func decodeBody(msg types.Message) ([]byte, error) {
	attr, ok := msg.MessageAttributes[contentEncodingAttribute]
	if !ok || aws.ToString(attr.StringValue) != encodingBase64 {
		return []byte(*msg.Body), nil
	}
	payload, err := base64.StdEncoding.DecodeString(*msg.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 body: %w", err)
	}
	return payload, nil
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
