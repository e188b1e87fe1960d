// Package main is the entry point for the mailburst API server.
//
// It loads configuration (env, dotenv, SSM), connects the database pool and
// AWS clients, wires the delivery pipeline (provider client, dispatcher,
// notification intake, campaign orchestrator), and serves the HTTP API with
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailburst/internal/api/handlers"
	"mailburst/internal/campaigns"
	"mailburst/internal/config"
	"mailburst/internal/core"
	"mailburst/internal/db"
	"mailburst/internal/dispatch"
	"mailburst/internal/external"
	"mailburst/internal/intake"
	"mailburst/internal/queue"
	"mailburst/internal/ratelimit"
	"mailburst/internal/security"
	"mailburst/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("mailburst API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	typedLogger := &slogAdapter{logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool.
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

	campaignRepo := db.NewCampaignRepository(pool)
	recipientRepo := db.NewRecipientRepository(pool)
	eventRepo := db.NewEventRepository(pool)

	// AWS clients. BaseEndpoint supports LocalStack in development.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	cwClient := cloudwatch.NewFromConfig(awsCfg)

	// Provider client: SES behind the rate-limited, recycling sender.
	sesCfg := external.SESClientConfig{
		ConfigSetName: cfg.AWS.SESConfigSet,
		Logger:        logger,
	}
	sender := external.NewSender(external.SenderConfig{
		Provider:          external.NewSESClient(awsCfg, sesCfg),
		Rebuild:           func() external.EmailProvider { return external.NewSESClient(awsCfg, sesCfg) },
		Limiter:           ratelimit.NewBucket(cfg.Email.SendRateCapacity, cfg.Email.SendRatePerSec),
		RecycleAfterSends: cfg.Email.RecycleAfterSends,
		RecycleAfterAge:   cfg.Email.RecycleAfterAge,
		Logger:            logger,
	})

	// Dispatcher with the configured safety envelope.
	var thresholds dispatch.Thresholds
	if cfg.Dispatch.DangerThresholds != "" {
		thresholds, err = dispatch.ParseThresholds(cfg.Dispatch.DangerThresholds)
		if err != nil {
			return fmt.Errorf("parsing danger thresholds: %w", err)
		}
	}
	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Campaigns:          campaignRepo,
		Recipients:         recipientRepo,
		Sender:             sender,
		Logger:             typedLogger,
		Metrics:            dispatch.NewCloudWatchMetrics(cwClient, typedLogger),
		MemoryCeilingBytes: uint64(cfg.Dispatch.MemoryCeilingMB) << 20,
		Thresholds:         thresholds,
		Cooldown:           cfg.Dispatch.Cooldown,
		SleepBase:          cfg.Dispatch.SleepBase,
		SleepMax:           cfg.Dispatch.SleepMax,
	})

	// Campaign orchestrator with its scheduler.
	scheduler := campaigns.NewScheduler()
	campaignService := campaigns.NewService(campaigns.ServiceConfig{
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		Runner:     dispatcher,
		Scheduler:  scheduler,
		Logger:     typedLogger,
	})
	if err := campaignService.RestoreScheduled(ctx); err != nil {
		// Scheduled campaigns can still be started manually; boot continues.
		logger.Error("failed to restore scheduled campaigns", "error", err)
	}

	// Notification intake. The webhook forwards to the durable queue when one
	// is configured; otherwise it applies events directly under admission
	// control.
	applier := intake.NewApplier(intake.ApplierConfig{
		Recipients:    recipientRepo,
		Archive:       eventRepo,
		Deduper:       intake.NewDeduper(cfg.Intake.DedupeWindow),
		Logger:        typedLogger,
		EmailFallback: cfg.Intake.EmailFallback,
	})

	webhookCfg := intake.WebhookConfig{
		Applier:        applier,
		Logger:         typedLogger,
		Limiter:        ratelimit.NewBucket(cfg.Intake.RateCapacity, cfg.Intake.RatePerSec),
		DropRate:       cfg.Intake.DropRate,
		KillSwitch:     cfg.Intake.KillSwitch,
		DirectDisabled: cfg.Intake.DirectDisabled,
		// Confirmation URLs arrive in unauthenticated bodies; dials go
		// through the blocklist-validated transport.
		HTTPClient: security.NewConfirmClient(10*time.Second, 3),
	}
	if cfg.AWS.NotificationQueue != "" {
		webhookCfg.Forward = queue.NewClient(sqs.NewFromConfig(awsCfg), cfg.AWS.NotificationQueue, logger)
	}
	webhook := intake.NewWebhook(webhookCfg)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = core.NewCloudWatchCollector(cwClient, logger)
	srv.HealthProbes = []core.HealthProbe{&core.DatabaseProbe{Pool: pool}}
	srv.RegisterCleanup(pool.Close)
	srv.RegisterCleanup(scheduler.Stop)

	campaignHandler := handlers.NewCampaignHandler(campaignService, dispatcher, campaignRepo, recipientRepo, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		campaignHandler.RegisterRoutes,
		func(r chi.Router) { handlers.RegisterNotificationRoutes(r, webhook) },
	)

	srv.MountRoutes()

	return runHTTPServer(ctx, srv, cfg, logger)
}

// runHTTPServer serves until the context is cancelled by a shutdown signal,
// then drains connections gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Dispatch runs execute on the request goroutine, so writes may not
		// start until a full run completes.
		WriteTimeout: cfg.Server.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
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

// slogAdapter wraps *slog.Logger to satisfy types.Logger: slog's With
// returns *slog.Logger, not the interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)
