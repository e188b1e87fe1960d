// Package main is the entry point for the Lambda-hosted notification intake.
//
// Instead of the polling queue worker, deployments on AWS Lambda attach this
// function directly to the notification queue as an SQS event source. Each
// record is applied through the shared intake pipeline; failed records are
// reported via partial batch responses so SQS redelivers only those.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailburst/internal/config"
	"mailburst/internal/db"
	"mailburst/internal/intake"
	"mailburst/internal/types"
)

// Handler holds the dependencies for the intake Lambda handler.
type Handler struct {
	consumer *intake.Consumer
	logger   types.Logger
}

// Handle processes an SQS event batch. Records whose application fails
// transiently are returned in BatchItemFailures for redelivery; poison
// records (unparseable, no matching recipient) report success so SQS does
// not loop them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.consumer.ProcessPayload(ctx, []byte(record.Body)); err != nil {
			h.logger.Error("failed to process queue record",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	typedLogger := &slogAdapter{logger: logger}

	logger.Info("intake Lambda initializing")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Cold-start AWS config load validates credentials early even though the
	// handler itself only touches the database.
	if _, err := awsconfig.LoadDefaultConfig(ctx); err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	// Lambda containers handle one event at a time; a large pool only holds
	// connections hostage across frozen containers.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
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

	// No Queue is wired: the Lambda event source delivers and deletes
	// messages, so the consumer is used for ProcessPayload only.
	consumer := intake.NewConsumer(intake.ConsumerConfig{
		Applier: applier,
		Logger:  typedLogger,
	})

	handler := &Handler{consumer: consumer, logger: typedLogger}

	logger.Info("intake Lambda initialized", "environment", cfg.Environment)

	lambda.Start(handler.Handle)
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
