package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// apiMetricNamespace is the CloudWatch namespace for API request telemetry.
const apiMetricNamespace = "Mailburst/API"

// cloudWatchAPI abstracts the CloudWatch PutMetricData operation for testability.
type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchCollector implements MetricsCollector.
var _ MetricsCollector = (*CloudWatchCollector)(nil)

// CloudWatchCollector publishes API request latency and count metrics.
// Publishing happens in a background goroutine with its own deadline so the
// response path never waits on CloudWatch.
type CloudWatchCollector struct {
	client cloudWatchAPI
	logger *slog.Logger
}

// NewCloudWatchCollector creates a collector for the API namespace.
func NewCloudWatchCollector(client cloudWatchAPI, logger *slog.Logger) *CloudWatchCollector {
	return &CloudWatchCollector{client: client, logger: logger}
}

// RecordRequest emits RequestLatency and RequestCount metrics with Method,
// Endpoint, and Status dimensions.
func (c *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String("Method"), Value: aws.String(method)},
		{Name: aws.String("Endpoint"), Value: aws.String(endpoint)},
		{Name: aws.String("Status"), Value: aws.String(status)},
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(apiMetricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("RequestLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("RequestCount"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.client.PutMetricData(ctx, input); err != nil {
			c.logger.Error("failed to record request metrics",
				"error", err.Error(),
				"endpoint", endpoint,
			)
		}
	}()
}
