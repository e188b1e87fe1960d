// Package ratelimit implements the token-bucket limiters guarding outbound
// provider sends and inbound webhook admission. Each bucket is an explicit
// owned object injected into its consumer -- never a process-wide singleton --
// with private state behind a single mutex.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// jitterFraction is the +/- fraction applied to each backoff wait.
const jitterFraction = 0.25

// maxBackoff caps the exponential backoff between acquisition retries.
const maxBackoff = 30 * time.Second

// Bucket is a token bucket with capacity C and refill rate r tokens/second.
// Refill is lazy: tokens are credited from elapsed monotonic-clock time on
// each acquisition attempt, so no background timer is needed.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	available  float64
	lastRefill time.Time

	// now is injectable for tests; defaults to time.Now. time.Time carries a
	// monotonic reading when produced by time.Now, so Sub is drift-safe.
	now func() time.Time

	// sleep is injectable for tests; defaults to a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option is a functional option for configuring a Bucket.
type Option func(*Bucket)

// WithClock overrides the clock used for lazy refill. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// WithSleepFunc overrides the wait used between blocking-acquire retries.
// Intended for tests to avoid real delays.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Bucket) {
		b.sleep = sleep
	}
}

// NewBucket creates a full bucket with the given capacity and refill rate.
// Capacity and rate must be positive.
func NewBucket(capacity int, refillRate float64, opts ...Option) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}

	b := &Bucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		available:  float64(capacity),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	// After options so an injected clock seeds the refill timestamp.
	b.lastRefill = b.now()

	return b
}

// TryAcquire attempts to take n tokens without blocking. If bypass is true
// the acquisition always succeeds and no tokens are consumed -- used for
// critical events (bounces, complaints) that must never be shed.
func (b *Bucket) TryAcquire(n int, bypass bool) bool {
	if bypass {
		return true
	}
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available >= float64(n) {
		b.available -= float64(n)
		return true
	}
	return false
}

// AcquireOrRetry blocks until n tokens are acquired or maxRetries attempts
// are exhausted, waiting between attempts with exponential backoff plus
// jitter (base * 2^attempt, capped, +/-25%). Used for outbound send
// throttling where dropping is not acceptable.
//
// The context is honored during waits; cancellation returns ctx.Err().
func (b *Bucket) AcquireOrRetry(ctx context.Context, n int, maxRetries int, baseWait time.Duration) error {
	if baseWait <= 0 {
		baseWait = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		if b.TryAcquire(n, false) {
			return nil
		}
		if attempt >= maxRetries {
			return fmt.Errorf("ratelimit: gave up after %d attempts", attempt+1)
		}
		if err := b.sleep(ctx, backoffWait(baseWait, attempt)); err != nil {
			return err
		}
	}
}

// Available returns the current token count after a lazy refill. Primarily
// for logging and tests.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available
}

// refillLocked credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.available += elapsed * b.refillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
	b.lastRefill = now
}

// backoffWait computes base * 2^attempt capped at maxBackoff, with +/-25%
// jitter to avoid thundering-herd retries.
func backoffWait(base time.Duration, attempt int) time.Duration {
	wait := base
	for i := 0; i < attempt && wait < maxBackoff; i++ {
		wait *= 2
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}

	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(wait) * jitter)
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
