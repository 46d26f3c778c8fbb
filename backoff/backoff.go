// Package backoff provides retry delay strategies and a bounded retry loop
// used by channel consumers for local redelivery of failed callbacks.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration

	// Jitter spreads the delay uniformly over [0, d] when set.
	Jitter bool
}

// NewExponential creates an exponential backoff strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

// Delay returns min(Initial * 2^(attempt-1), Max), jittered if configured.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return time.Duration(base)
}

// DefaultStrategy returns the strategy used for local consumer retries:
// exponential with jitter from initial up to 10s.
func DefaultStrategy(initial time.Duration) Strategy {
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	return NewExponentialWithJitter(initial, 10*time.Second)
}

// ──────────────────────────────────────────────────
// Retry loop
// ──────────────────────────────────────────────────

// Retry calls fn until it succeeds, the context ends or maxRetries
// retries have been spent. maxRetries <= 0 retries without bound.
// It returns the last error from fn, or the context error if the
// context ended while waiting.
func Retry(ctx context.Context, s Strategy, maxRetries int, fn func(attempt int) error) error {
	err := fn(0)
	for attempt := 1; err != nil; attempt++ {
		if maxRetries > 0 && attempt > maxRetries {
			return err
		}
		if waitErr := Wait(ctx, s.Delay(attempt)); waitErr != nil {
			return waitErr
		}
		err = fn(attempt)
	}
	return nil
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
