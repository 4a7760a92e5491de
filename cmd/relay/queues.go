package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/archon-research/queuerelay/internal/adapters/outbound/memory"
	redisadapter "github.com/archon-research/queuerelay/internal/adapters/outbound/redis"
	snsadapter "github.com/archon-research/queuerelay/internal/adapters/outbound/sns"
	sqsadapter "github.com/archon-research/queuerelay/internal/adapters/outbound/sqs"
	"github.com/archon-research/queuerelay/internal/pkg/env"
	"github.com/archon-research/queuerelay/internal/pkg/retry"
	"github.com/archon-research/queuerelay/internal/ports/outbound"
)

// queues holds the backend clients the relay is wired to.
type queues struct {
	input   outbound.Subscription
	enqueue outbound.Publisher
	output  outbound.Publisher
	wakeups outbound.Subscription // nil when the listener is disabled
	closers []io.Closer
}

// Close releases every backend client.
func (q *queues) Close(logger *slog.Logger) {
	for i := len(q.closers) - 1; i >= 0; i-- {
		if err := q.closers[i].Close(); err != nil {
			logger.Warn("failed to close queue client", "error", err)
		}
	}
}

func buildQueues(ctx context.Context, cfg cliConfig, logger *slog.Logger) (*queues, error) {
	var (
		q   *queues
		err error
	)
	switch cfg.backend {
	case backendSQS:
		q, err = buildSQSQueues(ctx, cfg, logger)
	case backendRedis:
		q, err = buildRedisQueues(ctx, cfg, logger)
	case backendMemory:
		q = buildMemoryQueues(cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.outputTopicARN != "" {
		topic, err := buildSNSPublisher(ctx, cfg, logger)
		if err != nil {
			q.Close(logger)
			return nil, err
		}
		q.output = topic
		q.closers = append(q.closers, topic)
	}
	if q.output == nil {
		q.Close(logger)
		return nil, errors.New("no output configured")
	}
	return q, nil
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(env.Get("AWS_REGION", "eu-west-1")),
	}
	// Local emulators accept any credentials.
	if env.Get("AWS_SQS_ENDPOINT", "") != "" || env.Get("AWS_SNS_ENDPOINT", "") != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			env.Get("AWS_ACCESS_KEY_ID", "test"),
			env.Get("AWS_SECRET_ACCESS_KEY", "test"),
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

func newSQSClient(awsCfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint := env.Get("AWS_SQS_ENDPOINT", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Wakeups stay leased while the run they triggered is in progress, so
// another replica does not start a second run for the same wakeup.
const (
	wakeupLeaseSlack = time.Minute

	// maxSQSVisibility is the SQS upper bound for a visibility timeout.
	maxSQSVisibility = 12 * time.Hour
)

// maxRunTimeout is the longest run an HTTP request or wakeup may ask for.
func maxRunTimeout(cfg cliConfig) time.Duration {
	return max(15*time.Minute, cfg.defaultTimeout)
}

// wakeupLease is how long a pulled wakeup stays invisible to other replicas.
func wakeupLease(cfg cliConfig) time.Duration {
	return maxRunTimeout(cfg) + wakeupLeaseSlack
}

func wakeupVisibilitySeconds(cfg cliConfig) int32 {
	return int32(min(wakeupLease(cfg), maxSQSVisibility) / time.Second)
}

// queueURL returns nameOrURL unchanged when it already is a URL.
func queueURL(ctx context.Context, client *sqs.Client, nameOrURL, accountID string, logger *slog.Logger) (string, error) {
	if strings.HasPrefix(nameOrURL, "https://") || strings.HasPrefix(nameOrURL, "http://") {
		return nameOrURL, nil
	}
	return sqsadapter.ResolveQueueURL(ctx, client, nameOrURL, accountID, retry.DefaultConfig(), logger)
}

func buildSQSQueues(ctx context.Context, cfg cliConfig, logger *slog.Logger) (*queues, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := newSQSClient(awsCfg)

	inputURL, err := queueURL(ctx, client, cfg.inputQueue, cfg.accountID, logger)
	if err != nil {
		return nil, err
	}
	input, err := sqsadapter.NewSubscription(client, sqsadapter.Config{QueueURL: inputURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating input subscription: %w", err)
	}
	enqueue, err := sqsadapter.NewPublisher(client, sqsadapter.PublisherConfig{QueueURL: inputURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating input publisher: %w", err)
	}
	q := &queues{input: input, enqueue: enqueue, closers: []io.Closer{input, enqueue}}

	if cfg.outputQueue != "" && cfg.outputTopicARN == "" {
		outputURL, err := queueURL(ctx, client, cfg.outputQueue, cfg.accountID, logger)
		if err != nil {
			return nil, err
		}
		output, err := sqsadapter.NewPublisher(client, sqsadapter.PublisherConfig{QueueURL: outputURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating output publisher: %w", err)
		}
		q.output = output
		q.closers = append(q.closers, output)
	}

	if cfg.wakeupQueue != "" {
		wakeupURL, err := queueURL(ctx, client, cfg.wakeupQueue, cfg.accountID, logger)
		if err != nil {
			return nil, err
		}
		wakeups, err := sqsadapter.NewSubscription(client, sqsadapter.Config{
			QueueURL:          wakeupURL,
			WaitTimeSeconds:   20,
			VisibilityTimeout: wakeupVisibilitySeconds(cfg),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating wakeup subscription: %w", err)
		}
		q.wakeups = wakeups
		q.closers = append(q.closers, wakeups)
	}

	return q, nil
}

func buildSNSPublisher(ctx context.Context, cfg cliConfig, logger *slog.Logger) (*snsadapter.Publisher, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint := env.Get("AWS_SNS_ENDPOINT", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	publisher, err := snsadapter.NewPublisher(client, snsadapter.Config{
		TopicARN: cfg.outputTopicARN,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating SNS publisher: %w", err)
	}
	return publisher, nil
}

func buildRedisQueues(ctx context.Context, cfg cliConfig, logger *slog.Logger) (*queues, error) {
	base := redisadapter.Config{
		Addr:     env.Get("REDIS_ADDR", "localhost:6379"),
		Password: env.Get("REDIS_PASSWORD", ""),
	}
	q := &queues{}

	inputCfg := base
	inputCfg.Stream = cfg.inputQueue
	inputCfg.Group = cfg.inputQueue + "-sub"
	input, err := redisadapter.NewStream(inputCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating input stream: %w", err)
	}
	q.closers = append(q.closers, input)
	if err := input.Ping(ctx); err != nil {
		q.Close(logger)
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	if err := input.EnsureGroup(ctx); err != nil {
		q.Close(logger)
		return nil, err
	}
	q.input, q.enqueue = input, input
	logger.Info("Redis connected", "addr", base.Addr)

	if cfg.outputQueue != "" && cfg.outputTopicARN == "" {
		outputCfg := base
		outputCfg.Stream = cfg.outputQueue
		output, err := redisadapter.NewStream(outputCfg, logger)
		if err != nil {
			q.Close(logger)
			return nil, fmt.Errorf("creating output stream: %w", err)
		}
		q.output = output
		q.closers = append(q.closers, output)
	}

	if cfg.wakeupQueue != "" {
		wakeupCfg := base
		wakeupCfg.Stream = cfg.wakeupQueue
		wakeupCfg.Group = cfg.wakeupQueue + "-sub"
		wakeupCfg.Block = 5 * time.Second
		wakeupCfg.MinIdle = wakeupLease(cfg)
		wakeups, err := redisadapter.NewStream(wakeupCfg, logger)
		if err != nil {
			q.Close(logger)
			return nil, fmt.Errorf("creating wakeup stream: %w", err)
		}
		q.closers = append(q.closers, wakeups)
		if err := wakeups.EnsureGroup(ctx); err != nil {
			q.Close(logger)
			return nil, err
		}
		q.wakeups = wakeups
	}

	return q, nil
}

// buildMemoryQueues wires process-local queues for local development.
func buildMemoryQueues(cfg cliConfig) *queues {
	input := memory.NewQueue(memory.DefaultVisibilityTimeout)
	q := &queues{input: input, enqueue: input, closers: []io.Closer{input}}
	if cfg.outputTopicARN == "" {
		output := memory.NewQueue(memory.DefaultVisibilityTimeout)
		q.output = output
		q.closers = append(q.closers, output)
	}
	return q
}
