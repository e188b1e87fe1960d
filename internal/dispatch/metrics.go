package dispatch

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailburst/internal/types"
)

// MetricResult classifies a send outcome for metric dimensions.
type MetricResult string

const (
	MetricResultSuccess MetricResult = "success"
	MetricResultFailure MetricResult = "failure"
)

// Metrics receives dispatch telemetry. Implementations must never block the
// send loop on metric delivery failures.
type Metrics interface {
	RecordSend(ctx context.Context, result MetricResult)
	RecordRun(ctx context.Context, processed int, duration time.Duration)
	RecordSafetyStop(ctx context.Context, reason string)
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) RecordSend(context.Context, MetricResult)      {}
func (NopMetrics) RecordRun(context.Context, int, time.Duration) {}
func (NopMetrics) RecordSafetyStop(context.Context, string)      {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// MetricNamespace is the CloudWatch namespace all dispatch metrics land in.
const MetricNamespace = "Mailburst/Dispatch"

// Compile-time assertion that CloudWatchMetrics implements Metrics.
var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes dispatch metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - SendAttempt: Dims {Result} -- on every send outcome
//   - RunDuration / RunProcessed: No dims -- once per dispatch run
//   - SafetyStop: Dims {Reason} -- when a run ends on the safety envelope
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a publisher for the dispatch namespace.
func NewCloudWatchMetrics(client CloudWatchClient, logger types.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: MetricNamespace,
		logger:    logger,
	}
}

// RecordSend emits a SendAttempt metric with the Result dimension.
func (m *CloudWatchMetrics) RecordSend(ctx context.Context, result MetricResult) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("SendAttempt"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("Result"),
						Value: aws.String(string(result)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record send metric",
			"error", err.Error(),
			"result", string(result),
		)
	}
}

// RecordRun emits the per-run duration and processed-count metrics.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, processed int, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("RunDuration"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
			{
				MetricName: aws.String("RunProcessed"),
				Value:      aws.Float64(float64(processed)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record run metrics",
			"error", err.Error(),
			"processed", processed,
		)
	}
}

// RecordSafetyStop emits a SafetyStop metric with the Reason dimension
// ("memory_ceiling" or "danger_threshold").
func (m *CloudWatchMetrics) RecordSafetyStop(ctx context.Context, reason string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("SafetyStop"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("Reason"),
						Value: aws.String(reason),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record safety stop metric",
			"error", err.Error(),
			"reason", reason,
		)
	}
}
