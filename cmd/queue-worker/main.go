// Package main is the entry point for the notification queue worker.
//
// The worker drains the durable notification queue on a fixed interval:
// each poll receives up to 10 messages with a visibility timeout, applies
// them through the shared intake applier, and deletes messages that were
// applied or are unrecoverable. Transient failures leave messages for
// redelivery. The queue path is lossless; it lags the webhook by at most
// the polling interval.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"mailburst/internal/config"
	"mailburst/internal/db"
	"mailburst/internal/intake"
	"mailburst/internal/queue"
	"mailburst/internal/types"
)

// pollerCount is how many concurrent poll loops drain the queue. Visibility
// timeouts make concurrent receivers safe; two loops keep draining while one
// batch is mid-application.
const pollerCount = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.AWS.NotificationQueue == "" {
		return fmt.Errorf("SQS_NOTIFICATIONS must be set for the queue worker")
	}

	logger := newLogger(cfg.LogLevel)
	typedLogger := &slogAdapter{logger: logger}

	logger.Info("queue worker starting",
		"environment", cfg.Environment,
		"queue", cfg.AWS.NotificationQueue,
		"poll_interval", cfg.Intake.PollInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	recipientRepo := db.NewRecipientRepository(pool)
	eventRepo := db.NewEventRepository(pool)

	applier := intake.NewApplier(intake.ApplierConfig{
		Recipients:    recipientRepo,
		Archive:       eventRepo,
		Deduper:       intake.NewDeduper(cfg.Intake.DedupeWindow),
		Logger:        typedLogger,
		EmailFallback: cfg.Intake.EmailFallback,
	})

	consumer := intake.NewConsumer(intake.ConsumerConfig{
		Queue:             queue.NewClient(sqs.NewFromConfig(awsCfg), cfg.AWS.NotificationQueue, logger),
		Applier:           applier,
		Logger:            typedLogger,
		VisibilityTimeout: cfg.Intake.VisibilityTimeout,
	})

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < pollerCount; i++ {
		worker := typedLogger.With("poller", i)
		g.Go(func() error {
			return pollLoop(ctx, consumer, cfg.Intake.PollInterval, worker)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("queue worker stopped cleanly")
	return nil
}

// pollLoop drains the queue on every tick until it is empty, then waits for
// the next interval. Receive errors are logged and retried on the next tick
// rather than killing the worker.
func pollLoop(ctx context.Context, consumer *intake.Consumer, interval time.Duration, logger types.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Drain once at startup so a restart does not wait a full interval.
	drain(ctx, consumer, logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			drain(ctx, consumer, logger)
		}
	}
}

func drain(ctx context.Context, consumer *intake.Consumer, logger types.Logger) {
	total := 0
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := consumer.ProcessBatch(ctx)
		if err != nil {
			logger.Error("queue poll failed", "error", err.Error())
			return
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		logger.Info("queue drained", "messages", total)
	}
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// slogAdapter wraps *slog.Logger to satisfy types.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)
