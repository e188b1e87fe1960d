package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailburst/internal/ratelimit"
)

type mockForwarder struct {
	payloads [][]byte
	sources  []string
	err      error
}

func (m *mockForwarder) Forward(ctx context.Context, payload []byte, source string) error {
	if m.err != nil {
		return m.err
	}
	m.payloads = append(m.payloads, payload)
	m.sources = append(m.sources, source)
	return nil
}

func newTestWebhook(t *testing.T, cfg WebhookConfig, store *mockStore) *Webhook {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Applier == nil {
		cfg.Applier = NewApplier(ApplierConfig{Recipients: store, Logger: nopLogger{}})
	}
	return NewWebhook(cfg)
}

func postBody(t *testing.T, w *Webhook, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/ses", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func bounceBody(t *testing.T, messageID, email string) []byte {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]any{"messageId": messageID, "destination": []string{email}},
		"bounce": map[string]any{
			"bounceType": "Permanent",
			"bouncedRecipients": []map[string]any{
				{"emailAddress": email, "diagnosticCode": "550"},
			},
			"timestamp": "2026-03-01T12:00:00.000Z",
		},
	})
	require.NoError(t, err)

	body, err := json.Marshal(Envelope{Type: envelopeNotification, Message: string(msg)})
	require.NoError(t, err)
	return body
}

func openBody(t *testing.T, messageID, email, ts string) []byte {
	t.Helper()
	msg, err := json.Marshal(map[string]any{
		"eventType": "Open",
		"mail":      map[string]any{"messageId": messageID, "destination": []string{email}},
		"open":      map[string]any{"timestamp": ts},
	})
	require.NoError(t, err)

	body, err := json.Marshal(Envelope{Type: envelopeNotification, Message: string(msg)})
	require.NoError(t, err)
	return body
}

func TestWebhookAlwaysReturns200(t *testing.T) {
	store := newMockStore()
	w := newTestWebhook(t, WebhookConfig{}, store)

	for _, body := range [][]byte{
		nil,
		[]byte("not json at all"),
		[]byte(`{"Type":"Notification","Message":"{\"notificationType\":\"Bounce\"}"}`),
		bounceBody(t, "msg-unmatched", "nobody@example.com"),
	} {
		rec := postBody(t, w, body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())
	}
}

func TestWebhookLogsUnknownNotificationType(t *testing.T) {
	store := newMockStore()
	logger := &warnCapture{}
	w := newTestWebhook(t, WebhookConfig{Logger: logger}, store)

	rec := postBody(t, w, []byte(`{"Type":"Notification","Message":"{\"notificationType\":\"Received\",\"mail\":{\"messageId\":\"msg-1\"}}"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, logger.warns, "ignoring unknown notification type")
	assert.Contains(t, logger.attrs[0], "Received")
}

func TestWebhookAppliesBounce(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "gone@example.com")
	w := newTestWebhook(t, WebhookConfig{}, store)

	rec := postBody(t, w, bounceBody(t, "msg-1", "gone@example.com"))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.updated, 1)
}

func TestWebhookKillSwitchDropsEverything(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "gone@example.com")
	fwd := &mockForwarder{}
	w := newTestWebhook(t, WebhookConfig{KillSwitch: true, Forward: fwd}, store)

	rec := postBody(t, w, bounceBody(t, "msg-1", "gone@example.com"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.updated)
	assert.Empty(t, fwd.payloads)
}

func TestWebhookConfirmsSubscription(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := newMockStore()
	w := newTestWebhook(t, WebhookConfig{}, store)

	body, err := json.Marshal(Envelope{Type: envelopeSubscriptionConfirmation, SubscribeURL: srv.URL})
	require.NoError(t, err)

	rec := postBody(t, w, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebhookCriticalEventsBypassShedding(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "gone@example.com")

	// Full drop rate plus an empty limiter: only the critical bypass can
	// let this event through.
	limiter := ratelimit.NewBucket(1, 0)
	limiter.TryAcquire(1, false)

	w := newTestWebhook(t, WebhookConfig{DropRate: 1.0, Limiter: limiter}, store)

	postBody(t, w, bounceBody(t, "msg-1", "gone@example.com"))
	assert.Len(t, store.updated, 1)
}

func TestWebhookShedsEngagementEvents(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "reader@example.com")

	w := newTestWebhook(t, WebhookConfig{DropRate: 1.0}, store)
	w.randFloat = func() float64 { return 0.5 }

	postBody(t, w, openBody(t, "msg-1", "reader@example.com", "2026-03-01T13:00:00.000Z"))
	assert.Empty(t, store.updated)
}

func TestWebhookLimiterShedsWhenExhausted(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "reader@example.com")

	limiter := ratelimit.NewBucket(1, 0)
	w := newTestWebhook(t, WebhookConfig{Limiter: limiter}, store)

	postBody(t, w, openBody(t, "msg-1", "reader@example.com", "2026-03-01T13:00:00.000Z"))
	postBody(t, w, openBody(t, "msg-1", "reader@example.com", "2026-03-01T13:01:00.000Z"))

	// First consumed the only token; second was shed.
	assert.Len(t, store.updated, 1)
}

func TestWebhookForwardsToQueue(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "gone@example.com")
	fwd := &mockForwarder{}

	w := newTestWebhook(t, WebhookConfig{Forward: fwd}, store)

	body := bounceBody(t, "msg-1", "gone@example.com")
	postBody(t, w, body)

	require.Len(t, fwd.payloads, 1)
	assert.Equal(t, body, fwd.payloads[0])
	assert.Equal(t, []string{"webhook"}, fwd.sources)

	// The queue owns application; the direct path stands down.
	assert.Empty(t, store.updated)
}

func TestWebhookDirectDisabledAcceptsAndIgnores(t *testing.T) {
	store := newMockStore()
	store.byMessage["msg-1"] = sentRecipient("msg-1", "gone@example.com")

	w := newTestWebhook(t, WebhookConfig{DirectDisabled: true}, store)

	rec := postBody(t, w, bounceBody(t, "msg-1", "gone@example.com"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.updated)
}
