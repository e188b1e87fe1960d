package intake

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailburst/internal/types"
)

func wrapNotification(t *testing.T, msg any) *Envelope {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return &Envelope{
		Type:      envelopeNotification,
		Message:   string(raw),
		Timestamp: "2026-03-01T12:00:00.000Z",
	}
}

func TestParseEnvelope(t *testing.T) {
	body := []byte(`{"Type":"SubscriptionConfirmation","SubscribeURL":"https://example.com/confirm","TopicArn":"arn:aws:sns:us-east-1:123:topic"}`)

	env, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, envelopeSubscriptionConfirmation, env.Type)
	assert.Equal(t, "https://example.com/confirm", env.SubscribeURL)
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := ParseEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseEnvelope(nil)
	assert.Error(t, err)
}

func TestParsePermanentBounce(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"notificationType": "Bounce",
		"mail": map[string]any{
			"messageId":   "msg-123",
			"destination": []string{"jordan@example.com"},
		},
		"bounce": map[string]any{
			"bounceType":    "Permanent",
			"bounceSubType": "General",
			"timestamp":     "2026-03-01T12:00:05.000Z",
			"bouncedRecipients": []map[string]any{
				{"emailAddress": "jordan@example.com", "status": "5.1.1", "diagnosticCode": "smtp; 550 user unknown"},
			},
		},
	})

	events, err := ParseEvents(env)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, types.EventBounce, ev.Type)
	assert.Equal(t, "msg-123", ev.MessageID)
	assert.Equal(t, "jordan@example.com", ev.Email)
	assert.Equal(t, "Permanent", ev.BounceType)
	assert.Equal(t, "General", ev.BounceSubType)
	assert.Equal(t, "smtp; 550 user unknown", ev.Reason)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC), ev.Timestamp.UTC())
}

func TestParseBounceSynthesizesReason(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]any{"messageId": "msg-1"},
		"bounce": map[string]any{
			"bounceType":    "Transient",
			"bounceSubType": "MailboxFull",
			"bouncedRecipients": []map[string]any{
				{"emailAddress": "a@example.com", "status": "4.2.2"},
			},
		},
	})

	events, err := ParseEvents(env)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "MailboxFull (4.2.2)", events[0].Reason)
}

func TestParseComplaint(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"notificationType": "Complaint",
		"mail":             map[string]any{"messageId": "msg-2"},
		"complaint": map[string]any{
			"complaintFeedbackType": "abuse",
			"timestamp":             "2026-03-01T12:01:00.000Z",
			"complainedRecipients": []map[string]any{
				{"emailAddress": "x@example.com"},
				{"emailAddress": "y@example.com"},
			},
		},
	})

	events, err := ParseEvents(env)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventComplaint, events[0].Type)
	assert.Equal(t, "abuse", events[0].ComplaintType)
	assert.Equal(t, "y@example.com", events[1].Email)
}

func TestParseDeliveryFanOut(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"notificationType": "Delivery",
		"mail":             map[string]any{"messageId": "msg-3"},
		"delivery": map[string]any{
			"recipients": []string{"a@example.com", "b@example.com"},
			"timestamp":  "2026-03-01T12:02:00.000Z",
		},
	})

	events, err := ParseEvents(env)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, types.EventDelivery, ev.Type)
		assert.Equal(t, "msg-3", ev.MessageID)
	}
}

func TestParseDeliveryDelay(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"eventType": "DeliveryDelay",
		"mail":      map[string]any{"messageId": "msg-4"},
		"deliveryDelay": map[string]any{
			"delayType": "MailboxFull",
			"delayedRecipients": []map[string]any{
				{"emailAddress": "slow@example.com"},
			},
		},
	})

	events, err := ParseEvents(env)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventDeliveryDelay, events[0].Type)
	assert.Equal(t, "MailboxFull", events[0].DelayType)
}

func TestParseOpenUsesDestination(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"eventType": "Open",
		"mail": map[string]any{
			"messageId":   "msg-5",
			"destination": []string{"reader@example.com"},
		},
		"open": map[string]any{
			"ipAddress": "203.0.113.9",
			"timestamp": "2026-03-01T13:00:00.000Z",
		},
	})

	events, err := ParseEvents(env)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventOpen, events[0].Type)
	assert.Equal(t, "reader@example.com", events[0].Email)
	assert.Equal(t, 13, events[0].Timestamp.UTC().Hour())
}

func TestParseUnknownTypeIsReported(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"notificationType": "Received",
		"mail":             map[string]any{"messageId": "msg-6"},
	})

	events, err := ParseEvents(env)
	assert.Empty(t, events)

	var unknown *UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "Received", unknown.Kind)
}

func TestParseEventsMissingDetailBlock(t *testing.T) {
	env := wrapNotification(t, map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]any{"messageId": "msg-7"},
	})

	_, err := ParseEvents(env)
	assert.Error(t, err)
}

func TestParseTimestampFallsBackToNow(t *testing.T) {
	before := time.Now().UTC()
	got := parseTimestamp("not-a-timestamp")
	assert.False(t, got.Before(before))
}
