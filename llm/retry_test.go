package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
	}
}

func retryableErr(msg string) error {
	return &ServerError{ProviderError: ProviderError{
		ClientError: ClientError{Message: msg},
		StatusCode:  500,
		Retryable:   true,
	}}
}

func TestRetrySucceedsAfterFailure(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", retryableErr("transient")
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Errorf("expected %q, got %q", "done", result)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		attempts++
		return 0, retryableErr("always")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// Initial attempt plus MaxRetries.
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		attempts++
		return 0, &InvalidRequestError{ProviderError: ProviderError{
			ClientError: ClientError{Message: "bad input"},
			StatusCode:  400,
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("non-retryable errors must not retry, got %d attempts", attempts)
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	hint := 0.001 // seconds
	attempts := 0
	start := time.Now()
	_, err := Retry(context.Background(), fastPolicy(1), func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, &RateLimitError{ProviderError: ProviderError{
				ClientError: ClientError{Message: "slow down"},
				StatusCode:  429,
				Retryable:   true,
				RetryAfter:  &hint,
			}}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry-after hint should keep the wait short, took %v", elapsed)
	}
}

func TestRetryAbandonsWhenHintExceedsMaxDelay(t *testing.T) {
	hint := 3600.0 // an hour, far past MaxDelay
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		attempts++
		return 0, &RateLimitError{ProviderError: ProviderError{
			ClientError: ClientError{Message: "come back later"},
			StatusCode:  429,
			Retryable:   true,
			RetryAfter:  &hint,
		}}
	})
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("oversized hint should end retrying, got %d attempts", attempts)
	}
}

func TestRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	errCh := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(ctx context.Context) (int, error) {
			attempts++
			return 0, retryableErr("transient")
		})
		errCh <- err
	}()

	// Let the first attempt land, then cancel during the hour-long wait.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		var abortErr *AbortError
		if !errors.As(err, &abortErr) {
			t.Fatalf("expected AbortError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestRetryNotifiesOnRetry(t *testing.T) {
	var notified []int
	policy := fastPolicy(2)
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		notified = append(notified, attempt)
	}
	attempts := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, retryableErr("transient")
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", notified)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2, Jitter: false}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 4 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterStaysInRange(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := policy.Delay(0)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [0.5s, 1.5s)", d)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", ErrorFromStatusCode(429, "limited", BackendCloud, nil), true},
		{"server error", ErrorFromStatusCode(500, "boom", BackendCloud, nil), true},
		{"auth", ErrorFromStatusCode(401, "denied", BackendCloud, nil), false},
		{"invalid request", ErrorFromStatusCode(400, "bad", BackendCloud, nil), false},
		{"context length", ErrorFromStatusCode(413, "too big", BackendCloud, nil), false},
		{"network", &NetworkError{ClientError: ClientError{Message: "conn refused"}}, true},
		{"timeout", &RequestTimeoutError{ClientError: ClientError{Message: "deadline"}}, true},
		{"abort", &AbortError{ClientError: ClientError{Message: "cancelled"}}, false},
		// Unknown error types default to retryable.
		{"plain", errors.New("mystery"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorFromStatusCodeTypes(t *testing.T) {
	var authErr *AuthenticationError
	if !errors.As(ErrorFromStatusCode(401, "x", BackendCloud, nil), &authErr) {
		t.Error("401 should map to AuthenticationError")
	}
	var rlErr *RateLimitError
	if !errors.As(ErrorFromStatusCode(429, "x", BackendCloud, nil), &rlErr) {
		t.Error("429 should map to RateLimitError")
	}
	var ctxErr *ContextLengthError
	if !errors.As(ErrorFromStatusCode(413, "x", BackendCloud, nil), &ctxErr) {
		t.Error("413 should map to ContextLengthError")
	}
	var srvErr *ServerError
	if !errors.As(ErrorFromStatusCode(503, "x", BackendCloud, nil), &srvErr) {
		t.Error("503 should map to ServerError")
	}
}
