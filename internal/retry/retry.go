// Package retry applies bounded, jittered retries to extraction attempts.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Policy is an explicit retry policy value: attempt cap, backoff
// schedule, and the retryable predicate from the error taxonomy. The
// single-job path and the bulk path share it.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable overrides the default transient-error predicate
	// (pipeline.Retryable) when set.
	Retryable func(error) bool
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   3 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ForPublish adapts the policy for broker publishes. An unavailable
// broker is transient at that boundary, unlike in extraction where the
// same kind means the run is lost anyway.
func (p Policy) ForPublish() Policy {
	p.Retryable = func(err error) bool {
		return pipeline.Retryable(err) || pipeline.KindOf(err) == pipeline.KindBrokerUnavailable
	}
	return p
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return pipeline.Retryable(err)
}

// Backoff returns the wait before the next attempt. attempt is
// zero-based; the delay doubles per attempt up to MaxDelay, with half
// of it randomized as jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Do runs fn under the policy. Only errors classified retryable are
// retried; terminal kinds short-circuit immediately. Exhausting the
// attempt cap yields a RetryExhausted error wrapping the last failure.
// Backoff waits are context-aware suspensions, not busy-waits.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Backoff(attempt-1)); err != nil {
				return zero, err
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !p.retryable(err) {
			return zero, err
		}
	}
	return zero, pipeline.Wrap(pipeline.KindRetryExhausted, lastErr, "retries exhausted")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
