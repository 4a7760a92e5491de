package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/archon-research/queuerelay/internal/pkg/retry"
)

// QueueURLAPI defines the SQS operation needed to resolve queue names.
type QueueURLAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// ResolveQueueURL looks up the URL of the queue called name. accountID
// selects the owning account when the queue lives in another account and may
// be empty. Transient failures are retried with cfg.
func ResolveQueueURL(ctx context.Context, client QueueURLAPI, name, accountID string, cfg retry.Config, logger *slog.Logger) (string, error) {
	if name == "" {
		return "", errors.New("queue name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	input := &sqs.GetQueueUrlInput{QueueName: aws.String(name)}
	if accountID != "" {
		input.QueueOwnerAWSAccountId = aws.String(accountID)
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		logger.Warn("resolving queue URL failed, retrying",
			"queue", name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
	}

	out, err := retry.Do(ctx, cfg, isRetryableError, onRetry, func() (*sqs.GetQueueUrlOutput, error) {
		return client.GetQueueUrl(ctx, input)
	})
	if err != nil {
		return "", fmt.Errorf("resolving URL for queue %q: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "AccessDenied", "InvalidAddress":
			return false
		}
		return apiErr.ErrorFault() != smithy.FaultClient || apiErr.ErrorCode() == "RequestThrottled"
	}

	// Default to retrying on unknown errors (network issues, etc.)
	return true
}
