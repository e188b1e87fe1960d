// Package intake absorbs asynchronous delivery notifications from the email
// provider and applies them to recipients through the status model. Two entry
// points feed the same pipeline: a synchronous webhook (rate-limited, lossy by
// design for non-critical events) and a durable-queue consumer (lossless,
// pull-based, self-throttled).
package intake

import (
	"encoding/json"
	"fmt"
	"time"

	"mailburst/internal/types"
)

// Envelope is the wrapped notification the provider's fan-out delivers to
// both the webhook and the durable queue.
type Envelope struct {
	Type         string `json:"Type"`
	MessageId    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"` // JSON-encoded provider notification
	SubscribeURL string `json:"SubscribeURL"`
	Timestamp    string `json:"Timestamp"`
}

// Envelope type values.
const (
	envelopeSubscriptionConfirmation = "SubscriptionConfirmation"
	envelopeNotification             = "Notification"
)

// notification is the provider event embedded in the envelope's Message
// field. Feedback notifications carry notificationType; configuration-set
// events carry eventType. Both use the same detail blocks.
type notification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`

	Mail          notifMail      `json:"mail"`
	Bounce        *notifBounce   `json:"bounce,omitempty"`
	Complaint     *notifComplaint `json:"complaint,omitempty"`
	Delivery      *notifDelivery `json:"delivery,omitempty"`
	DeliveryDelay *notifDelay    `json:"deliveryDelay,omitempty"`
	Open          *notifOpen     `json:"open,omitempty"`
	Click         *notifClick    `json:"click,omitempty"`
}

type notifMail struct {
	MessageId   string   `json:"messageId"`
	Destination []string `json:"destination"`
}

type notifBounce struct {
	BounceType        string           `json:"bounceType"` // "Permanent" or "Transient"
	BounceSubType     string           `json:"bounceSubType"`
	BouncedRecipients []notifRecipient `json:"bouncedRecipients"`
	Timestamp         string           `json:"timestamp"`
}

type notifComplaint struct {
	ComplainedRecipients  []notifRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string           `json:"complaintFeedbackType"` // e.g., "abuse"
	Timestamp             string           `json:"timestamp"`
}

type notifDelivery struct {
	Recipients []string `json:"recipients"`
	Timestamp  string   `json:"timestamp"`
}

type notifDelay struct {
	DelayType         string           `json:"delayType"`
	DelayedRecipients []notifRecipient `json:"delayedRecipients"`
	Timestamp         string           `json:"timestamp"`
}

type notifOpen struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
	Timestamp string `json:"timestamp"`
}

type notifClick struct {
	Link      string `json:"link"`
	Timestamp string `json:"timestamp"`
}

type notifRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// ParseEnvelope parses a raw payload into the provider envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("intake: empty notification body")
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("intake: failed to parse notification envelope: %w", err)
	}
	return &env, nil
}

// ParseEvents parses the JSON-encoded Message of a Notification envelope and
// normalizes it into typed DeliveryEvents -- one per affected recipient for
// bounce/complaint/delivery/delay, one total for send/open/click.
//
// Unknown notification types return an UnknownTypeError so callers can log
// the type before dropping the notification.
func ParseEvents(env *Envelope) ([]types.DeliveryEvent, error) {
	if env.Message == "" {
		return nil, fmt.Errorf("intake: envelope Message field is empty")
	}

	var n notification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return nil, fmt.Errorf("intake: failed to parse provider notification: %w", err)
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	switch types.EventType(kind) {
	case types.EventBounce:
		return parseBounce(n)
	case types.EventComplaint:
		return parseComplaint(n)
	case types.EventDelivery:
		return parseDelivery(n)
	case types.EventDeliveryDelay:
		return parseDelay(n)
	case types.EventSend:
		return parseSimple(n, types.EventSend, env.Timestamp), nil
	case types.EventOpen:
		ts := env.Timestamp
		if n.Open != nil {
			ts = n.Open.Timestamp
		}
		return parseSimple(n, types.EventOpen, ts), nil
	case types.EventClick:
		ts := env.Timestamp
		if n.Click != nil {
			ts = n.Click.Timestamp
		}
		return parseSimple(n, types.EventClick, ts), nil
	default:
		return nil, &UnknownTypeError{Kind: kind}
	}
}

// UnknownTypeError reports a notification whose type the intake does not
// handle. Callers log the type and drop the notification; it never
// propagates past the intake.
type UnknownTypeError struct {
	Kind string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("intake: unknown notification type %q", e.Kind)
}

func parseBounce(n notification) ([]types.DeliveryEvent, error) {
	if n.Bounce == nil {
		return nil, fmt.Errorf("intake: bounce notification missing bounce details")
	}

	events := make([]types.DeliveryEvent, 0, len(n.Bounce.BouncedRecipients))
	for _, rcp := range n.Bounce.BouncedRecipients {
		reason := rcp.DiagnosticCode
		if reason == "" {
			reason = fmt.Sprintf("%s (%s)", n.Bounce.BounceSubType, rcp.Status)
		}

		events = append(events, types.DeliveryEvent{
			Type:          types.EventBounce,
			MessageID:     n.Mail.MessageId,
			Email:         rcp.EmailAddress,
			Timestamp:     parseTimestamp(n.Bounce.Timestamp),
			BounceType:    n.Bounce.BounceType,
			BounceSubType: n.Bounce.BounceSubType,
			Reason:        reason,
		})
	}
	return events, nil
}

func parseComplaint(n notification) ([]types.DeliveryEvent, error) {
	if n.Complaint == nil {
		return nil, fmt.Errorf("intake: complaint notification missing complaint details")
	}

	feedbackType := n.Complaint.ComplaintFeedbackType
	if feedbackType == "" {
		feedbackType = "complaint"
	}

	events := make([]types.DeliveryEvent, 0, len(n.Complaint.ComplainedRecipients))
	for _, rcp := range n.Complaint.ComplainedRecipients {
		events = append(events, types.DeliveryEvent{
			Type:          types.EventComplaint,
			MessageID:     n.Mail.MessageId,
			Email:         rcp.EmailAddress,
			Timestamp:     parseTimestamp(n.Complaint.Timestamp),
			ComplaintType: feedbackType,
		})
	}
	return events, nil
}

func parseDelivery(n notification) ([]types.DeliveryEvent, error) {
	if n.Delivery == nil {
		return nil, fmt.Errorf("intake: delivery notification missing delivery details")
	}

	events := make([]types.DeliveryEvent, 0, len(n.Delivery.Recipients))
	for _, email := range n.Delivery.Recipients {
		events = append(events, types.DeliveryEvent{
			Type:      types.EventDelivery,
			MessageID: n.Mail.MessageId,
			Email:     email,
			Timestamp: parseTimestamp(n.Delivery.Timestamp),
		})
	}
	return events, nil
}

func parseDelay(n notification) ([]types.DeliveryEvent, error) {
	if n.DeliveryDelay == nil {
		return nil, fmt.Errorf("intake: delay notification missing deliveryDelay details")
	}

	events := make([]types.DeliveryEvent, 0, len(n.DeliveryDelay.DelayedRecipients))
	for _, rcp := range n.DeliveryDelay.DelayedRecipients {
		events = append(events, types.DeliveryEvent{
			Type:      types.EventDeliveryDelay,
			MessageID: n.Mail.MessageId,
			Email:     rcp.EmailAddress,
			Timestamp: parseTimestamp(n.DeliveryDelay.Timestamp),
			DelayType: n.DeliveryDelay.DelayType,
		})
	}
	return events, nil
}

// parseSimple builds the single-event form used by Send, Open, and Click,
// attributed to the mail's first destination address.
func parseSimple(n notification, kind types.EventType, ts string) []types.DeliveryEvent {
	email := ""
	if len(n.Mail.Destination) > 0 {
		email = n.Mail.Destination[0]
	}

	return []types.DeliveryEvent{{
		Type:      kind,
		MessageID: n.Mail.MessageId,
		Email:     email,
		Timestamp: parseTimestamp(ts),
	}}
}

// parseTimestamp parses a provider timestamp, falling back to the current
// time when absent or unparseable. Timestamps are typically RFC3339, but the
// provider sometimes omits the timezone marker.
func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.000Z", raw)
		if err != nil {
			return time.Now().UTC()
		}
	}
	return t
}
