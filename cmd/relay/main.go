// Package main runs the queue relay service.
//
// The relay drains an input queue into an output queue or topic in bounded
// runs. Runs are triggered over HTTP (POST /process, POST /events) or by
// messages on an optional wakeup queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/archon-research/queuerelay/internal/adapters/inbound/events"
	httpadapter "github.com/archon-research/queuerelay/internal/adapters/inbound/http"
	"github.com/archon-research/queuerelay/internal/adapters/outbound/telemetry"
	"github.com/archon-research/queuerelay/internal/pkg/env"
	"github.com/archon-research/queuerelay/internal/services/relay"
)

const serviceName = "queue-relay"

// Build-time variables
var (
	GitCommit string
	GitBranch string
	BuildTime string
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if GitCommit == "" {
					GitCommit = setting.Value
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = setting.Value
				}
			}
		}
	}
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

const (
	backendSQS    = "sqs"
	backendRedis  = "redis"
	backendMemory = "memory"
)

type cliConfig struct {
	backend        string
	accountID      string
	inputQueue     string
	outputQueue    string
	outputTopicARN string
	wakeupQueue    string
	addr           string
	batchSize      int
	defaultTimeout time.Duration
	publishRate    float64
	showVersion    bool
}

// parseConfig resolves configuration from env, then flags. Flags win.
func parseConfig(args []string) (cliConfig, error) {
	envBatch, err := env.GetInt("BATCH_SIZE", 10)
	if err != nil {
		return cliConfig{}, err
	}
	envTimeout, err := env.GetInt("DEFAULT_TIMEOUT_SECONDS", 60)
	if err != nil {
		return cliConfig{}, err
	}
	envRate, err := env.GetFloat("PUBLISH_RATE", 0)
	if err != nil {
		return cliConfig{}, err
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	backend := fs.String("backend", env.Get("QUEUE_BACKEND", backendSQS), "Queue backend: sqs, redis or memory")
	accountID := fs.String("account", env.Get("AWS_ACCOUNT_ID", ""), "AWS account owning the queues")
	input := fs.String("input", env.Get("INPUT_QUEUE", ""), "Input queue name or URL")
	output := fs.String("output", env.Get("OUTPUT_QUEUE", ""), "Output queue name or URL")
	outputTopic := fs.String("output-topic", env.Get("OUTPUT_TOPIC_ARN", ""), "SNS topic ARN to publish to instead of an output queue")
	wakeup := fs.String("wakeup", env.Get("WAKEUP_QUEUE", ""), "Wakeup queue name or URL (empty disables the listener)")
	addr := fs.String("addr", env.Get("HTTP_ADDR", ":8080"), "HTTP listen address")
	batch := fs.Int("batch", envBatch, "Maximum messages per pull")
	timeout := fs.Int("timeout", envTimeout, "Default relay timeout in seconds")
	publishRate := fs.Float64("publish-rate", envRate, "Maximum forwarded messages per second (0 = unlimited)")
	showVersion := fs.Bool("version", false, "Show version information and exit")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		backend:        *backend,
		accountID:      *accountID,
		inputQueue:     *input,
		outputQueue:    *output,
		outputTopicARN: *outputTopic,
		wakeupQueue:    *wakeup,
		addr:           *addr,
		batchSize:      *batch,
		defaultTimeout: time.Duration(*timeout) * time.Second,
		publishRate:    *publishRate,
		showVersion:    *showVersion,
	}
	if cfg.showVersion {
		return cfg, nil
	}

	switch cfg.backend {
	case backendSQS, backendRedis:
		if cfg.inputQueue == "" {
			return cliConfig{}, fmt.Errorf("input queue not provided (use -input flag or INPUT_QUEUE env var)")
		}
		if cfg.outputQueue == "" && cfg.outputTopicARN == "" {
			return cliConfig{}, fmt.Errorf("output not provided (use -output/-output-topic flags or OUTPUT_QUEUE/OUTPUT_TOPIC_ARN env vars)")
		}
	case backendMemory:
		if cfg.wakeupQueue != "" {
			return cliConfig{}, fmt.Errorf("wakeup queue is not supported by the memory backend")
		}
	default:
		return cliConfig{}, fmt.Errorf("unknown backend %q (want sqs, redis or memory)", cfg.backend)
	}
	if cfg.batchSize <= 0 {
		return cliConfig{}, fmt.Errorf("batch size must be positive, got %d", cfg.batchSize)
	}
	if cfg.defaultTimeout < 0 {
		return cliConfig{}, fmt.Errorf("default timeout must not be negative, got %v", cfg.defaultTimeout)
	}
	if cfg.publishRate < 0 {
		return cliConfig{}, fmt.Errorf("publish rate must not be negative, got %v", cfg.publishRate)
	}

	return cfg, nil
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	if cfg.showVersion {
		fmt.Printf("%s\n", serviceName)
		fmt.Printf("  Commit:     %s\n", GitCommit)
		fmt.Printf("  Branch:     %s\n", GitBranch)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		return nil
	}

	level, err := env.LogLevel(slog.LevelInfo)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting "+serviceName,
		"commit", GitCommit,
		"backend", cfg.backend,
		"input", cfg.inputQueue,
		"output", cfg.outputQueue,
		"outputTopic", cfg.outputTopicARN,
		"wakeup", cfg.wakeupQueue,
	)

	otlpEndpoint := env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	environment := env.Get("ENVIRONMENT", "development")

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: GitCommit,
		Environment:    environment,
		OTLPEndpoint:   otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    serviceName,
		ServiceVersion: GitCommit,
		Environment:    environment,
		OTLPEndpoint:   otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	metrics, err := telemetry.NewRelayMetrics("github.com/archon-research/queuerelay")
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	q, err := buildQueues(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close(logger)

	svc, err := relay.NewService(relay.Config{
		BatchSize:   cfg.batchSize,
		PublishRate: cfg.publishRate,
		Metrics:     metrics,
		Logger:      logger,
	}, q.input, q.enqueue, q.output)
	if err != nil {
		return fmt.Errorf("creating relay service: %w", err)
	}

	maxTimeout := maxRunTimeout(cfg)

	var shuttingDown atomic.Bool
	server := httpadapter.NewServer(httpadapter.ServerConfig{
		Addr:           cfg.addr,
		DefaultTimeout: cfg.defaultTimeout,
		MaxTimeout:     maxTimeout,
		Logger:         logger,
	}, svc, svc, &shuttingDown)
	server.Start()

	var wg sync.WaitGroup
	if q.wakeups != nil {
		listener, err := events.NewListener(q.wakeups, svc, events.ListenerConfig{
			DefaultTimeout: cfg.defaultTimeout,
			MaxTimeout:     maxTimeout,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("creating wakeup listener: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				logger.Error("wakeup listener failed", "error", err)
			}
		}()
	}

	// Prime readiness so probes pass once the input queue answers.
	if n, err := svc.Pending(ctx); err != nil {
		logger.Warn("input queue not reachable yet", "error", err)
	} else {
		logger.Info("relay ready", "pending", n)
	}

	<-ctx.Done()
	logger.Info("shutting down...")
	shuttingDown.Store(true)

	// In-flight runs finish their current batch before returning.
	if err := server.Shutdown(maxTimeout + 30*time.Second); err != nil {
		logger.Error("error shutting down HTTP server", "error", err)
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}
