// Package queue provides the SQS producer and consumer used by the
// notification intake. The webhook path forwards raw provider payloads to the
// durable queue when one is configured; the queue worker pulls them back in
// bounded batches.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

// maxReceiveBatch is the largest batch SQS allows per ReceiveMessage call.
const maxReceiveBatch = 10

// SQSAPI abstracts the SQS operations used here for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Message is one received queue entry. ReceiptHandle is required for deletion.
type Message struct {
	MessageID     string
	ReceiptHandle string
	Body          string
}

// Client wraps the notification queue with the small API surface the intake
// needs: forward a raw payload, pull a batch, delete one message.
type Client struct {
	api      SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewClient creates a queue Client for the given queue URL.
func NewClient(api SQSAPI, queueURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:      api,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Forward sends a raw notification payload to the durable queue unchanged.
// The webhook path calls this and then degrades to pure acknowledgment; the
// queue becomes the source of truth for the payload. Each forward is stamped
// with a trace id attribute so a payload can be followed from webhook receipt
// through consumer application in the logs.
func (c *Client) Forward(ctx context.Context, payload []byte, source string) error {
	traceID := uuid.New().String()

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(source),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(traceID),
			},
		},
	}

	if _, err := c.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to forward notification to %s: %w", c.queueURL, err)
	}

	c.logger.DebugContext(ctx, "notification forwarded to durable queue",
		"queue_url", c.queueURL,
		"source", source,
		"trace_id", traceID,
		"payload_bytes", len(payload),
	)
	return nil
}

// Receive pulls up to max messages (capped at the SQS limit of 10) with the
// given visibility timeout in seconds. A short long-poll wait is used so the
// worker does not spin on an empty queue.
func (c *Client) Receive(ctx context.Context, max int, visibilityTimeout int32) ([]Message, error) {
	if max <= 0 || max > maxReceiveBatch {
		max = maxReceiveBatch
	}

	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   visibilityTimeout,
		WaitTimeSeconds:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: failed to receive from %s: %w", c.queueURL, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		})
	}
	return msgs, nil
}

// Delete removes a processed message from the queue. Called after successful
// application, and also on unrecoverable parse errors to avoid poison-message
// buildup; transient failures skip deletion so the queue redelivers after the
// visibility timeout.
func (c *Client) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to delete message from %s: %w", c.queueURL, err)
	}
	return nil
}
