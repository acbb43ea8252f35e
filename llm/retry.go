package llm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff. It
// applies to blocking completions only; streams are never retried.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter randomizes each delay within [0.5x, 1.5x).
	Jitter bool
	// OnRetry is called before each retry sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the standard policy: two retries with
// exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the backoff delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry executes fn under the policy. Only errors for which IsRetryable
// is true are retried; a RateLimitError's Retry-After hint overrides the
// backoff delay unless it exceeds MaxDelay, in which case the error is
// returned immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if rl, ok := err.(*RateLimitError); ok && rl.RetryAfter != nil {
			hinted := time.Duration(*rl.RetryAfter * float64(time.Second))
			if hinted > policy.MaxDelay {
				return zero, err
			}
			delay = hinted
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return zero, &AbortError{ClientError: ClientError{
				Message: "request cancelled during retry",
				Cause:   ctx.Err(),
			}}
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
