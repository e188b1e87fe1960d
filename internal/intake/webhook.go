package intake

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"time"

	"mailburst/internal/ratelimit"
	"mailburst/internal/types"
)

// Forwarder pushes a raw notification payload onto the durable queue.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte, source string) error
}

// WebhookConfig holds the dependencies and tuning for NewWebhook.
type WebhookConfig struct {
	Applier *Applier
	Logger  types.Logger

	// Forward, when set, relays every accepted notification onto the durable
	// queue instead of applying it directly. The queue consumer becomes the
	// authoritative path.
	Forward Forwarder

	// Limiter throttles direct application of non-critical events. Critical
	// events (bounce, complaint) bypass it.
	Limiter *ratelimit.Bucket

	// DropRate is the probability in [0,1] that a non-critical event is
	// discarded before the limiter is even consulted. Engagement events
	// (opens, clicks) arrive at orders of magnitude above what synchronous
	// processing sustains; the durable queue is the lossless path.
	DropRate float64

	// KillSwitch drops every notification on the floor (still returning 200
	// so the provider does not retry). Operational escape hatch.
	KillSwitch bool

	// DirectDisabled skips direct application; notifications are only
	// forwarded to the queue.
	DirectDisabled bool

	// HTTPClient is used to confirm topic subscriptions. Defaults to a
	// 10-second-timeout client.
	HTTPClient *http.Client

	// MaxBodyBytes caps the accepted request body. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Webhook is the synchronous notification endpoint. It always responds 200:
// the provider interprets any other status as a delivery failure and retries,
// and retry storms are worse than a lost engagement event. The durable queue
// subscription is the lossless path; this endpoint is the low-latency one.
type Webhook struct {
	cfg        WebhookConfig
	httpClient *http.Client
	randFloat  func() float64
}

// NewWebhook creates the webhook handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Webhook{
		cfg:        cfg,
		httpClient: httpClient,
		randFloat:  rand.Float64,
	}
}

// webhookAck is the body every webhook response carries. The provider only
// checks the status code; the body exists for operators probing the endpoint.
var webhookAck = []byte(`{"status":"accepted"}`)

// ServeHTTP implements http.Handler.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	// Always 200 with a small JSON body, whatever the payload looked like:
	// a non-2xx would make the provider retry or disable the subscription.
	defer func() {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		rw.Write(webhookAck)
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, w.cfg.MaxBodyBytes))
	if err != nil {
		w.cfg.Logger.Warn("failed to read webhook body", "error", err)
		return
	}

	if w.cfg.KillSwitch {
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		w.cfg.Logger.Warn("unparseable webhook payload", "error", err)
		return
	}

	switch env.Type {
	case envelopeSubscriptionConfirmation:
		w.confirmSubscription(r.Context(), env)
	case envelopeNotification:
		w.handleNotification(r.Context(), env, body)
	default:
		w.cfg.Logger.Warn("unknown envelope type", "envelope_type", env.Type)
	}
}

// confirmSubscription completes the topic subscription handshake by fetching
// the confirmation URL the provider supplies.
func (w *Webhook) confirmSubscription(ctx context.Context, env *Envelope) {
	if env.SubscribeURL == "" {
		w.cfg.Logger.Warn("subscription confirmation without SubscribeURL", "topic", env.TopicArn)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		w.cfg.Logger.Error("failed to build subscription confirmation request", "error", err)
		return
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.cfg.Logger.Error("failed to confirm topic subscription", "topic", env.TopicArn, "error", err)
		return
	}
	defer resp.Body.Close()

	w.cfg.Logger.Info("confirmed topic subscription", "topic", env.TopicArn, "status", resp.StatusCode)
}

func (w *Webhook) handleNotification(ctx context.Context, env *Envelope, body []byte) {
	events, err := ParseEvents(env)
	if err != nil {
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			w.cfg.Logger.Warn("ignoring unknown notification type", "type", unknown.Kind)
			return
		}
		w.cfg.Logger.Warn("unparseable notification", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	// With a durable queue configured this path degrades to pure
	// acknowledgment: forward the raw payload and let the lossless consumer
	// own application.
	if w.cfg.Forward != nil {
		if err := w.cfg.Forward.Forward(ctx, body, "webhook"); err != nil {
			w.cfg.Logger.Error("failed to forward notification to queue", "error", err)
		}
		return
	}

	if w.cfg.DirectDisabled {
		return
	}

	for _, ev := range events {
		if !w.admit(ev) {
			continue
		}

		if err := w.cfg.Applier.Apply(ctx, ev, body); err != nil {
			// Logged and swallowed: the response is 200 regardless, and the
			// queue copy (when forwarding is on) will retry losslessly.
			w.cfg.Logger.Error("failed to apply webhook event",
				"type", ev.Type, "message_id", ev.MessageID, "error", err)
		}
	}
}

// admit decides whether a direct-path event is processed. Critical events
// always pass. Non-critical ones survive a probabilistic pre-filter and then
// a non-blocking limiter acquisition; either can shed them.
func (w *Webhook) admit(ev types.DeliveryEvent) bool {
	if ev.Type.Critical() {
		return true
	}

	if w.cfg.DropRate > 0 && w.randFloat() < w.cfg.DropRate {
		return false
	}

	if w.cfg.Limiter != nil && !w.cfg.Limiter.TryAcquire(1, false) {
		return false
	}
	return true
}
