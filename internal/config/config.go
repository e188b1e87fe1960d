// Package config defines the global configuration structure for the mailburst
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"mailburst/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailburst"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Email    EmailConfig
	Dispatch DispatchConfig
	Intake   IntakeConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15m"` // dispatch runs are synchronous
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// NotificationQueue is the durable queue receiving provider delivery
	// notifications. Empty disables the queue path entirely.
	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS"`

	// SESConfigSet is the configuration-set name stamped onto outbound
	// sends so engagement events route back to us.
	SESConfigSet string `envconfig:"SES_CONFIG_SET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds outbound sending identity and provider tuning.
type EmailConfig struct {
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Mailburst"`

	// Send-rate limiter: burst capacity and sustained tokens per second.
	SendRateCapacity int     `envconfig:"SEND_RATE_CAPACITY" default:"14"`
	SendRatePerSec   float64 `envconfig:"SEND_RATE_PER_SEC" default:"14"`

	// Provider connection recycling.
	RecycleAfterSends int           `envconfig:"PROVIDER_RECYCLE_SENDS" default:"500"`
	RecycleAfterAge   time.Duration `envconfig:"PROVIDER_RECYCLE_AGE" default:"10m"`
}

// DispatchConfig holds the batch-send safety envelope.
type DispatchConfig struct {
	// MemoryCeilingMB pauses a run when heap allocation exceeds it.
	MemoryCeilingMB int `envconfig:"DISPATCH_MEMORY_CEILING_MB" default:"512"`

	// DangerThresholds is an ordered "count:action" list of cumulative-send
	// counts, e.g. "500:cooldown,3000:segment". Empty means the built-in
	// defaults.
	DangerThresholds string `envconfig:"DISPATCH_DANGER_THRESHOLDS"`

	Cooldown  time.Duration `envconfig:"DISPATCH_COOLDOWN" default:"5s"`
	SleepBase time.Duration `envconfig:"DISPATCH_SLEEP_BASE" default:"1s"`
	SleepMax  time.Duration `envconfig:"DISPATCH_SLEEP_MAX" default:"10s"`
}

// IntakeConfig holds notification-intake behavior for both entry paths.
type IntakeConfig struct {
	// KillSwitch drops every inbound notification (webhook still answers 200).
	KillSwitch bool `envconfig:"INTAKE_KILL_SWITCH" default:"false"`

	// DirectDisabled stops the webhook from applying events directly.
	DirectDisabled bool `envconfig:"INTAKE_DIRECT_DISABLED" default:"false"`

	// DropRate is the probabilistic pre-filter applied to non-critical
	// events on the webhook path.
	DropRate float64 `envconfig:"INTAKE_DROP_RATE" default:"0.998"`

	// EmailFallback enables matching events to recipients by address alone
	// when no message id correlates. Heuristic; off by default.
	EmailFallback bool `envconfig:"INTAKE_EMAIL_FALLBACK" default:"false"`

	// Webhook limiter for non-critical events. Deliberately severe: the
	// drop-rate pre-filter already sheds almost everything, and the bucket
	// only meters what survives it.
	RateCapacity int     `envconfig:"INTAKE_RATE_CAPACITY" default:"3"`
	RatePerSec   float64 `envconfig:"INTAKE_RATE_PER_SEC" default:"0.3"`

	// DedupeWindow bounds the duplicate-event cache.
	DedupeWindow int `envconfig:"INTAKE_DEDUPE_WINDOW" default:"4096"`

	// Queue consumer tuning.
	PollInterval      time.Duration `envconfig:"INTAKE_POLL_INTERVAL" default:"60s"`
	VisibilityTimeout int32         `envconfig:"INTAKE_VISIBILITY_TIMEOUT" default:"60"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
