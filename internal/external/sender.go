package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"mailburst/internal/ratelimit"
	"mailburst/internal/types"
)

// Sender is the campaign-facing provider client. It wraps an EmailProvider
// with the resilience envelope every outbound send must pass through:
//
//   - a private token-bucket limiter, acquired blocking-with-backoff before
//     each call, tuned to the provider's published send rate;
//   - a circuit breaker that opens after consecutive provider failures;
//   - periodic recycling of the underlying provider instance after N sends
//     or a time window, bounding resource growth over multi-thousand-email
//     runs.
type Sender struct {
	mu       sync.Mutex
	provider EmailProvider
	rebuild  func() EmailProvider

	sendsSinceRebuild int
	lastRebuild       time.Time

	limiter *ratelimit.Bucket
	breaker *gobreaker.CircuitBreaker[string]

	recycleAfterSends int
	recycleAfterAge   time.Duration
	acquireRetries    int
	acquireBaseWait   time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// SenderConfig holds the dependencies and tuning for creating a Sender.
type SenderConfig struct {
	// Provider is the initial EmailProvider instance.
	Provider EmailProvider
	// Rebuild returns a fresh EmailProvider when the current one is recycled.
	// If nil, recycling is disabled and the initial Provider is kept forever.
	Rebuild func() EmailProvider
	// Limiter is the private outbound rate limiter. Required.
	Limiter *ratelimit.Bucket

	// RecycleAfterSends recycles the provider after this many sends (default 500).
	RecycleAfterSends int
	// RecycleAfterAge recycles the provider after this much time (default 10m).
	RecycleAfterAge time.Duration
	// AcquireRetries bounds blocking limiter acquisition attempts (default 8).
	AcquireRetries int
	// AcquireBaseWait is the backoff base between attempts (default 250ms).
	AcquireBaseWait time.Duration

	Logger *slog.Logger
}

// NewSender creates a Sender with its own circuit breaker.
func NewSender(cfg SenderConfig) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecycleAfterSends <= 0 {
		cfg.RecycleAfterSends = 500
	}
	if cfg.RecycleAfterAge <= 0 {
		cfg.RecycleAfterAge = 10 * time.Minute
	}
	if cfg.AcquireRetries <= 0 {
		cfg.AcquireRetries = 8
	}
	if cfg.AcquireBaseWait <= 0 {
		cfg.AcquireBaseWait = 250 * time.Millisecond
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "email-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &Sender{
		provider:          cfg.Provider,
		rebuild:           cfg.Rebuild,
		limiter:           cfg.Limiter,
		breaker:           cb,
		recycleAfterSends: cfg.RecycleAfterSends,
		recycleAfterAge:   cfg.RecycleAfterAge,
		acquireRetries:    cfg.AcquireRetries,
		acquireBaseWait:   cfg.AcquireBaseWait,
		logger:            logger,
		now:               time.Now,
		lastRebuild:       time.Now(),
	}
}

// SendOne sends the campaign's content to a single recipient and returns the
// normalized provider message id.
func (s *Sender) SendOne(ctx context.Context, campaign *types.Campaign, r *types.Recipient) (string, error) {
	return s.send(ctx, types.SendInput{
		To:     r.Email,
		ToName: r.Name,
		From: types.SenderIdentity{
			Name:    campaign.FromName,
			Address: campaign.FromEmail,
		},
		Subject:     campaign.Subject,
		BodyHTML:    campaign.BodyHTML,
		BodyText:    campaign.BodyText,
		ReferenceID: r.ID,
	})
}

// BulkResult is the per-recipient outcome of a SendBulk call.
type BulkResult struct {
	RecipientID string
	MessageID   string
	Err         error
}

// SendBulk sends the campaign's content to each recipient, substituting
// per-recipient template variables into subject and bodies. One recipient's
// failure does not abort the rest; results are returned in input order.
func (s *Sender) SendBulk(ctx context.Context, campaign *types.Campaign, recipients []*types.Recipient) []BulkResult {
	results := make([]BulkResult, 0, len(recipients))

	for _, r := range recipients {
		msgID, err := s.send(ctx, types.SendInput{
			To:     r.Email,
			ToName: r.Name,
			From: types.SenderIdentity{
				Name:    campaign.FromName,
				Address: campaign.FromEmail,
			},
			Subject:     SubstituteVars(campaign.Subject, r),
			BodyHTML:    SubstituteVars(campaign.BodyHTML, r),
			BodyText:    SubstituteVars(campaign.BodyText, r),
			ReferenceID: r.ID,
		})
		results = append(results, BulkResult{
			RecipientID: r.ID,
			MessageID:   msgID,
			Err:         err,
		})
	}

	return results
}

// send acquires a token, recycles the provider if due, and executes the call
// through the circuit breaker.
func (s *Sender) send(ctx context.Context, input types.SendInput) (string, error) {
	if err := s.limiter.AcquireOrRetry(ctx, 1, s.acquireRetries, s.acquireBaseWait); err != nil {
		return "", types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"outbound send rate limit exhausted",
			err,
		)
	}

	provider := s.providerForSend()

	msgID, err := s.breaker.Execute(func() (string, error) {
		return provider.Send(ctx, input)
	})
	if err != nil {
		return "", fmt.Errorf("sender: %w", err)
	}

	return msgID, nil
}

// providerForSend returns the current provider, rebuilding it first when the
// send count or age threshold has been crossed.
func (s *Sender) providerForSend() EmailProvider {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendsSinceRebuild++

	if s.rebuild != nil && (s.sendsSinceRebuild > s.recycleAfterSends ||
		s.now().Sub(s.lastRebuild) > s.recycleAfterAge) {
		s.logger.Info("recycling email provider client",
			slog.Int("sends_since_rebuild", s.sendsSinceRebuild-1),
			slog.Duration("age", s.now().Sub(s.lastRebuild)),
		)
		s.provider = s.rebuild()
		s.sendsSinceRebuild = 1
		s.lastRebuild = s.now()
	}

	return s.provider
}

// Recycle forces an immediate provider rebuild. The dispatcher calls this
// between batches and when crossing danger thresholds.
func (s *Sender) Recycle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rebuild == nil {
		return
	}
	s.provider = s.rebuild()
	s.sendsSinceRebuild = 0
	s.lastRebuild = s.now()
}

// SubstituteVars replaces {{name}} and {{email}} placeholders with the
// recipient's values. Unknown placeholders are left untouched.
func SubstituteVars(body string, r *types.Recipient) string {
	if body == "" {
		return body
	}
	replacer := strings.NewReplacer(
		"{{name}}", r.Name,
		"{{email}}", r.Email,
	)
	return replacer.Replace(body)
}
