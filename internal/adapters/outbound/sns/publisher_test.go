package sns

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// mockSNSClient implements SNSPublisher for testing.
type mockSNSClient struct {
	publishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	calls       []*sns.PublishInput
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, params)
	if m.publishFunc != nil {
		return m.publishFunc(ctx, params, optFns...)
	}
	return &sns.PublishOutput{
		MessageId: aws.String("test-message-id"),
	}, nil
}

const (
	testTopicARN     = "arn:aws:sns:us-east-1:123456789:relay-output"
	testFIFOTopicARN = "arn:aws:sns:us-east-1:123456789:relay-output.fifo"
)

func quietConfig(arn string) Config {
	return Config{
		TopicARN: arn,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewPublisher_RequiresClient(t *testing.T) {
	_, err := NewPublisher(nil, Config{TopicARN: testTopicARN})
	if err == nil {
		t.Fatal("expected error for nil client")
	}
	if err.Error() != "sns client is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewPublisher_RequiresTopicARN(t *testing.T) {
	_, err := NewPublisher(&mockSNSClient{}, Config{})
	if err == nil {
		t.Fatal("expected error for missing topic ARN")
	}
	if err.Error() != "topic ARN is required" {
		t.Errorf("expected error %q, got %q", "topic ARN is required", err.Error())
	}
}

func TestNewPublisher_AppliesDefaults(t *testing.T) {
	pub, err := NewPublisher(&mockSNSClient{}, Config{TopicARN: testTopicARN})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.logger == nil {
		t.Error("expected default logger")
	}
	if pub.config.MessageGroupID != "relay" {
		t.Errorf("expected MessageGroupID=relay, got %s", pub.config.MessageGroupID)
	}
}

func TestPublish_Success(t *testing.T) {
	client := &mockSNSClient{}
	pub, _ := NewPublisher(client, quietConfig(testTopicARN))

	id, err := pub.Publish(context.Background(), []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "test-message-id" {
		t.Errorf("expected test-message-id, got %s", id)
	}

	if len(client.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(client.calls))
	}
	call := client.calls[0]
	if *call.TopicArn != testTopicARN {
		t.Errorf("unexpected topic %s", *call.TopicArn)
	}
	if *call.Message != `{"n":1}` {
		t.Errorf("unexpected message %s", *call.Message)
	}
	if call.MessageGroupId != nil || call.MessageDeduplicationId != nil {
		t.Error("expected no FIFO fields for a standard topic")
	}
}

func TestPublish_BinaryPayloadIsBase64Encoded(t *testing.T) {
	client := &mockSNSClient{}
	pub, _ := NewPublisher(client, quietConfig(testTopicARN))

	raw := []byte{0xc3, 0x28, 0x00}
	if _, err := pub.Publish(context.Background(), raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := client.calls[0]
	if *call.Message != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("expected base64 message, got %s", *call.Message)
	}
	if aws.ToString(call.MessageAttributes["contentEncoding"].StringValue) != "base64" {
		t.Error("expected contentEncoding attribute")
	}
}

func TestPublish_FIFOTopic(t *testing.T) {
	client := &mockSNSClient{}
	pub, _ := NewPublisher(client, quietConfig(testFIFOTopicARN))

	for i := 0; i < 2; i++ {
		if _, err := pub.Publish(context.Background(), []byte("same")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	first, second := client.calls[0], client.calls[1]
	if aws.ToString(first.MessageGroupId) != "relay" {
		t.Errorf("expected group relay, got %v", first.MessageGroupId)
	}
	if aws.ToString(first.MessageDeduplicationId) == aws.ToString(second.MessageDeduplicationId) {
		t.Error("expected distinct deduplication IDs for separate deliveries")
	}
}

func TestPublish_FailureIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"throttled", &types.ThrottledException{Message: aws.String("slow down")}},
		{"not found", &types.NotFoundException{Message: aws.String("no topic")}},
		{"network", errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockSNSClient{
				publishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
					return nil, tt.err
				},
			}
			pub, _ := NewPublisher(client, quietConfig(testTopicARN))

			_, err := pub.Publish(context.Background(), []byte("x"))
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v in error chain, got %v", tt.err, err)
			}
			if len(client.calls) != 1 {
				t.Errorf("expected a single publish attempt, got %d", len(client.calls))
			}
		})
	}
}

func TestPublish_AfterClose(t *testing.T) {
	client := &mockSNSClient{}
	pub, _ := NewPublisher(client, quietConfig(testTopicARN))

	if err := pub.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	if _, err := pub.Publish(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("expected no calls after close, got %d", len(client.calls))
	}
}
