// Package external wraps outbound provider integrations. All provider calls
// go through narrow interfaces so tests can substitute mocks, and through the
// shared resilience patterns (rate limiting, circuit breaking) enforced here.
package external

import (
	"context"

	"mailburst/internal/types"
)

// EmailProvider is the outbound send interface implemented by SESClient.
// Send transmits a single pre-rendered message and returns the provider's
// message id, normalized (envelope angle brackets stripped).
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}
