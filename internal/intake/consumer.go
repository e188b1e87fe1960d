package intake

import (
	"context"
	"errors"
	"fmt"

	"mailburst/internal/queue"
	"mailburst/internal/types"
)

// QueueSource is the durable-queue surface the consumer pulls from.
type QueueSource interface {
	Receive(ctx context.Context, max int, visibilityTimeout int32) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// ConsumerConfig holds the dependencies and tuning for NewConsumer.
type ConsumerConfig struct {
	Queue   QueueSource
	Applier *Applier
	Logger  types.Logger

	// BatchSize is the receive size per poll, capped at the queue's maximum
	// of 10. Defaults to 10.
	BatchSize int

	// VisibilityTimeout is how long a received message stays invisible to
	// other consumers, in seconds. Defaults to 60.
	VisibilityTimeout int32
}

// Consumer drains the durable notification queue. Unlike the webhook it
// never sheds load: throughput is bounded by pull rate, so every event is
// applied. Messages are deleted on success or on errors that retrying cannot
// fix (unparseable payloads, events with no matching recipient); transient
// failures leave the message in place for redelivery after the visibility
// timeout.
type Consumer struct {
	queue             QueueSource
	applier           *Applier
	logger            types.Logger
	batchSize         int
	visibilityTimeout int32
}

// NewConsumer creates a queue consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 10 {
		batchSize = 10
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 60
	}
	return &Consumer{
		queue:             cfg.Queue,
		applier:           cfg.Applier,
		logger:            cfg.Logger,
		batchSize:         batchSize,
		visibilityTimeout: visibility,
	}
}

// ProcessBatch receives and processes one batch, returning how many messages
// were handled. A zero return with nil error means the queue was empty.
func (c *Consumer) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, c.batchSize, c.visibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("intake: failed to receive notification batch: %w", err)
	}

	for _, msg := range msgs {
		c.processMessage(ctx, msg)
	}
	return len(msgs), nil
}

// ProcessPayload applies one raw queue payload. It is the per-record body of
// ProcessBatch, also used directly by the event-driven entrypoint where the
// platform owns receive and delete. A nil return means the payload is fully
// handled (applied, or unrecoverable and dropped); an error means it should
// be redelivered.
func (c *Consumer) ProcessPayload(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		c.logger.Warn("dropping unparseable queue payload", "error", err)
		return nil
	}

	if env.Type != envelopeNotification {
		// Subscription handshakes are handled by the webhook; copies that
		// land on the queue carry nothing to apply.
		return nil
	}

	events, err := ParseEvents(env)
	if err != nil {
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			c.logger.Warn("ignoring unknown notification type", "type", unknown.Kind)
			return nil
		}
		c.logger.Warn("dropping malformed notification", "error", err)
		return nil
	}

	for _, ev := range events {
		if err := c.applier.Apply(ctx, ev, body); err != nil {
			if errors.Is(err, ErrNoRecipient) {
				c.logger.Warn("dropping event with no matching recipient",
					"type", ev.Type, "message_id", ev.MessageID)
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg queue.Message) {
	if err := c.ProcessPayload(ctx, []byte(msg.Body)); err != nil {
		// Transient failure: leave the message for redelivery.
		c.logger.Error("failed to process queued notification, leaving for retry",
			"queue_message_id", msg.MessageID, "error", err)
		return
	}

	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		// The next delivery will dedupe.
		c.logger.Error("failed to delete processed message", "queue_message_id", msg.MessageID, "error", err)
	}
}
