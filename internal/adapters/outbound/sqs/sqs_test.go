package sqs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/archon-research/queuerelay/internal/pkg/retry"
)

const testQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/relay-input"

// mockSQSClient implements SubscriptionAPI, PublisherAPI and QueueURLAPI for testing.
type mockSQSClient struct {
	receiveFunc  func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	deleteFunc   func(ctx context.Context, params *sqs.DeleteMessageBatchInput) (*sqs.DeleteMessageBatchOutput, error)
	attrsFunc    func(ctx context.Context, params *sqs.GetQueueAttributesInput) (*sqs.GetQueueAttributesOutput, error)
	sendFunc     func(ctx context.Context, params *sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
	getURLFunc   func(ctx context.Context, params *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error)
	receiveCalls []*sqs.ReceiveMessageInput
	deleteCalls  []*sqs.DeleteMessageBatchInput
	sendCalls    []*sqs.SendMessageInput
	getURLCalls  int
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveCalls = append(m.receiveCalls, params)
	if m.receiveFunc != nil {
		return m.receiveFunc(ctx, params)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQSClient) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	m.deleteCalls = append(m.deleteCalls, params)
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, params)
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (m *mockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if m.attrsFunc != nil {
		return m.attrsFunc(ctx, params)
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func (m *mockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sendCalls = append(m.sendCalls, params)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, params)
	}
	return &sqs.SendMessageOutput{MessageId: aws.String(fmt.Sprintf("sent-%d", len(m.sendCalls)))}, nil
}

func (m *mockSQSClient) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.getURLCalls++
	if m.getURLFunc != nil {
		return m.getURLFunc(ctx, params)
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sqsMessage(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

// =============================================================================
// Subscription
// =============================================================================

func TestNewSubscription_Validation(t *testing.T) {
	if _, err := NewSubscription(nil, Config{QueueURL: testQueueURL}, nil); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewSubscription(&mockSQSClient{}, Config{}, nil); err == nil || err.Error() != "queue URL is required" {
		t.Errorf("expected queue URL error, got %v", err)
	}
}

func TestNewSubscription_AppliesDefaults(t *testing.T) {
	sub, err := NewSubscription(&mockSQSClient{}, Config{QueueURL: testQueueURL}, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.config.WaitTimeSeconds != 1 {
		t.Errorf("expected WaitTimeSeconds=1, got %d", sub.config.WaitTimeSeconds)
	}

	sub, _ = NewSubscription(&mockSQSClient{}, Config{QueueURL: testQueueURL, WaitTimeSeconds: 60}, testLogger())
	if sub.config.WaitTimeSeconds != 20 {
		t.Errorf("expected WaitTimeSeconds capped at 20, got %d", sub.config.WaitTimeSeconds)
	}
}

func TestSubscription_Pull(t *testing.T) {
	client := &mockSQSClient{
		receiveFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{
				sqsMessage("1", "first"),
				{MessageId: aws.String("incomplete")},
				sqsMessage("2", "second"),
			}}, nil
		},
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL, VisibilityTimeout: 45}, testLogger())

	batch, err := sub.Pull(context.Background(), 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batch) != 2 {
		t.Fatalf("expected 2 messages (incomplete one skipped), got %d", len(batch))
	}
	if batch[0].ID != "1" || string(batch[0].Payload) != "first" || batch[0].AckToken != "rh-1" {
		t.Errorf("unexpected first message: %+v", batch[0])
	}

	call := client.receiveCalls[0]
	if call.MaxNumberOfMessages != 10 {
		t.Errorf("expected MaxNumberOfMessages capped at 10, got %d", call.MaxNumberOfMessages)
	}
	if call.VisibilityTimeout != 45 {
		t.Errorf("expected VisibilityTimeout=45, got %d", call.VisibilityTimeout)
	}
	if *call.QueueUrl != testQueueURL {
		t.Errorf("unexpected queue URL %s", *call.QueueUrl)
	}
}

func TestSubscription_PullDecodesBase64Bodies(t *testing.T) {
	raw := []byte{0xff, 0x00, 0xfe}
	msg := sqsMessage("bin", base64.StdEncoding.EncodeToString(raw))
	msg.MessageAttributes = map[string]types.MessageAttributeValue{
		contentEncodingAttribute: {DataType: aws.String("String"), StringValue: aws.String(encodingBase64)},
	}
	bad := sqsMessage("bad", "!!!not-base64")
	bad.MessageAttributes = msg.MessageAttributes

	client := &mockSQSClient{
		receiveFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg, bad}}, nil
		},
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	batch, err := sub.Pull(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected undecodable message to be skipped, got %d messages", len(batch))
	}
	if string(batch[0].Payload) != string(raw) {
		t.Errorf("expected decoded payload %v, got %v", raw, batch[0].Payload)
	}
}

func TestSubscription_PullReceivesAgainAfterUnusableMessages(t *testing.T) {
	poison := sqsMessage("poison", "%%%")
	poison.MessageAttributes = map[string]types.MessageAttributeValue{
		contentEncodingAttribute: {DataType: aws.String("String"), StringValue: aws.String(encodingBase64)},
	}

	client := &mockSQSClient{}
	client.receiveFunc = func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		if len(client.receiveCalls) == 1 {
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{poison}}, nil
		}
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{sqsMessage("good", "payload")}}, nil
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	batch, err := sub.Pull(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "good" {
		t.Fatalf("expected the good message from the second receive, got %+v", batch)
	}
	if len(client.receiveCalls) != 2 {
		t.Errorf("expected 2 receives, got %d", len(client.receiveCalls))
	}
}

func TestSubscription_PullOnlyUnusableMessagesIsNotExhaustion(t *testing.T) {
	client := &mockSQSClient{
		receiveFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{{MessageId: aws.String("incomplete")}}}, nil
		},
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	batch, err := sub.Pull(context.Background(), 10)
	if !errors.Is(err, ErrOnlyUnusableMessages) {
		t.Fatalf("expected ErrOnlyUnusableMessages, got batch=%v err=%v", batch, err)
	}
	if len(client.receiveCalls) != maxSkippedReceives {
		t.Errorf("expected %d receives, got %d", maxSkippedReceives, len(client.receiveCalls))
	}
}

func TestSubscription_PullError(t *testing.T) {
	client := &mockSQSClient{
		receiveFunc: func(ctx context.Context, params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
			return nil, errors.New("network down")
		},
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	if _, err := sub.Pull(context.Background(), 10); err == nil {
		t.Fatal("expected error")
	}
}

func TestSubscription_PendingCount(t *testing.T) {
	client := &mockSQSClient{
		attrsFunc: func(ctx context.Context, params *sqs.GetQueueAttributesInput) (*sqs.GetQueueAttributesOutput, error) {
			if params.AttributeNames[0] != types.QueueAttributeNameApproximateNumberOfMessages {
				t.Errorf("unexpected attribute requested: %v", params.AttributeNames)
			}
			return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
				string(types.QueueAttributeNameApproximateNumberOfMessages): "17",
			}}, nil
		},
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	count, err := sub.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 17 {
		t.Errorf("expected 17, got %d", count)
	}
}

func TestSubscription_PendingCountMissingAttribute(t *testing.T) {
	sub, _ := NewSubscription(&mockSQSClient{}, Config{QueueURL: testQueueURL}, testLogger())

	if _, err := sub.PendingCount(context.Background()); err == nil {
		t.Fatal("expected error for missing attribute")
	}
}

func TestSubscription_AcknowledgeChunksAndDedupes(t *testing.T) {
	client := &mockSQSClient{}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	tokens := make([]string, 0, 24)
	for i := 0; i < 12; i++ {
		tokens = append(tokens, fmt.Sprintf("rh-%d", i))
	}
	tokens = append(tokens, "rh-0", "rh-5")

	if err := sub.Acknowledge(context.Background(), tokens); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.deleteCalls) != 2 {
		t.Fatalf("expected 2 DeleteMessageBatch calls, got %d", len(client.deleteCalls))
	}
	if len(client.deleteCalls[0].Entries) != 10 || len(client.deleteCalls[1].Entries) != 2 {
		t.Errorf("expected chunks of 10 and 2, got %d and %d",
			len(client.deleteCalls[0].Entries), len(client.deleteCalls[1].Entries))
	}
}

func TestSubscription_AcknowledgeReportsFailedEntries(t *testing.T) {
	client := &mockSQSClient{
		deleteFunc: func(ctx context.Context, params *sqs.DeleteMessageBatchInput) (*sqs.DeleteMessageBatchOutput, error) {
			return &sqs.DeleteMessageBatchOutput{Failed: []types.BatchResultErrorEntry{{
				Id:      aws.String("1"),
				Code:    aws.String("ReceiptHandleIsInvalid"),
				Message: aws.String("expired"),
			}}}, nil
		},
	}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	err := sub.Acknowledge(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "ReceiptHandleIsInvalid") {
		t.Fatalf("expected failed entry error, got %v", err)
	}
}

func TestSubscription_AcknowledgeNothing(t *testing.T) {
	client := &mockSQSClient{}
	sub, _ := NewSubscription(client, Config{QueueURL: testQueueURL}, testLogger())

	if err := sub.Acknowledge(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.deleteCalls) != 0 {
		t.Errorf("expected no delete calls, got %d", len(client.deleteCalls))
	}
}

// =============================================================================
// Publisher
// =============================================================================

func TestPublisher_Publish(t *testing.T) {
	client := &mockSQSClient{}
	pub, err := NewPublisher(client, PublisherConfig{QueueURL: testQueueURL}, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := pub.Publish(context.Background(), []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sent-1" {
		t.Errorf("expected sent-1, got %s", id)
	}

	call := client.sendCalls[0]
	if *call.MessageBody != `{"hello":"world"}` {
		t.Errorf("unexpected body %s", *call.MessageBody)
	}
	if len(call.MessageAttributes) != 0 {
		t.Errorf("expected no attributes for text payload, got %v", call.MessageAttributes)
	}
	if call.MessageGroupId != nil {
		t.Error("expected no MessageGroupId for standard queue")
	}
}

func TestPublisher_PublishBinaryPayload(t *testing.T) {
	client := &mockSQSClient{}
	pub, _ := NewPublisher(client, PublisherConfig{QueueURL: testQueueURL}, testLogger())

	raw := []byte{0xff, 0xfe, 0x01}
	if _, err := pub.Publish(context.Background(), raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := client.sendCalls[0]
	if *call.MessageBody != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("expected base64 body, got %s", *call.MessageBody)
	}
	if aws.ToString(call.MessageAttributes[contentEncodingAttribute].StringValue) != encodingBase64 {
		t.Error("expected contentEncoding=base64 attribute")
	}
}

func TestPublisher_FIFOQueue(t *testing.T) {
	client := &mockSQSClient{}
	pub, _ := NewPublisher(client, PublisherConfig{QueueURL: testQueueURL + ".fifo"}, testLogger())

	if _, err := pub.Publish(context.Background(), []byte("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := client.sendCalls[0]
	if aws.ToString(call.MessageGroupId) != "relay" {
		t.Errorf("expected MessageGroupId=relay, got %v", call.MessageGroupId)
	}
	if aws.ToString(call.MessageDeduplicationId) == "" {
		t.Error("expected a deduplication ID")
	}
}

func TestPublisher_PublishError(t *testing.T) {
	client := &mockSQSClient{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	pub, _ := NewPublisher(client, PublisherConfig{QueueURL: testQueueURL}, testLogger())

	if _, err := pub.Publish(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error")
	}
}

// =============================================================================
// ResolveQueueURL
// =============================================================================

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestResolveQueueURL(t *testing.T) {
	client := &mockSQSClient{
		getURLFunc: func(ctx context.Context, params *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
			if *params.QueueName != "relay-input" {
				t.Errorf("unexpected queue name %s", *params.QueueName)
			}
			if aws.ToString(params.QueueOwnerAWSAccountId) != "123456789012" {
				t.Errorf("expected owner account to be passed, got %v", params.QueueOwnerAWSAccountId)
			}
			return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
		},
	}

	url, err := ResolveQueueURL(context.Background(), client, "relay-input", "123456789012", fastRetry(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != testQueueURL {
		t.Errorf("expected %s, got %s", testQueueURL, url)
	}
}

func TestResolveQueueURL_RetriesTransientErrors(t *testing.T) {
	client := &mockSQSClient{}
	client.getURLFunc = func(ctx context.Context, params *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
		if client.getURLCalls < 3 {
			return nil, errors.New("connection reset")
		}
		return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
	}

	if _, err := ResolveQueueURL(context.Background(), client, "relay-input", "", fastRetry(), testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.getURLCalls != 3 {
		t.Errorf("expected 3 calls, got %d", client.getURLCalls)
	}
}

func TestResolveQueueURL_MissingQueueIsNotRetried(t *testing.T) {
	client := &mockSQSClient{
		getURLFunc: func(ctx context.Context, params *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
			return nil, &types.QueueDoesNotExist{Message: aws.String("no such queue")}
		},
	}

	if _, err := ResolveQueueURL(context.Background(), client, "missing", "", fastRetry(), testLogger()); err == nil {
		t.Fatal("expected error")
	}
	if client.getURLCalls != 1 {
		t.Errorf("expected 1 call, got %d", client.getURLCalls)
	}
}

func TestResolveQueueURL_RequiresName(t *testing.T) {
	if _, err := ResolveQueueURL(context.Background(), &mockSQSClient{}, "", "", fastRetry(), nil); err == nil {
		t.Fatal("expected error for empty name")
	}
}
