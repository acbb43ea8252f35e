package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockBackend is a scriptable Backend for tests.
type mockBackend struct {
	name       string
	calls      int
	completeFn func(ctx context.Context, req Request) (*Response, error)
	streamFn   func(ctx context.Context, req Request) (<-chan StreamEvent, error)
	closed     bool
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	m.calls++
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}
	return &Response{Model: req.Model, Backend: m.name, Text: "ok"}, nil
}

func (m *mockBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.calls++
	if m.streamFn != nil {
		return m.streamFn(ctx, req)
	}
	return scriptedStream(StreamEvent{Type: StreamFinish, Usage: &Usage{}}), nil
}

func (m *mockBackend) Close() error {
	m.closed = true
	return nil
}

// scriptedStream returns a closed channel preloaded with events.
func scriptedStream(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// noRetry keeps tests fast.
var noRetry = RetryPolicy{MaxRetries: 0}

func TestClientRoutesToNamedBackend(t *testing.T) {
	cloud := &mockBackend{name: BackendCloud}
	local := &mockBackend{name: BackendLocal}
	c := NewClient(
		WithBackend(BackendCloud, cloud),
		WithBackend(BackendLocal, local),
		WithDefaultBackend(BackendCloud),
		WithRetryPolicy(noRetry),
	)

	resp, err := c.Complete(context.Background(), Request{Backend: BackendLocal})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Backend != BackendLocal {
		t.Errorf("expected backend %q, got %q", BackendLocal, resp.Backend)
	}
	if local.calls != 1 || cloud.calls != 0 {
		t.Errorf("expected local=1 cloud=0 calls, got local=%d cloud=%d", local.calls, cloud.calls)
	}
}

func TestClientSingleBackendBecomesDefault(t *testing.T) {
	cloud := &mockBackend{name: BackendCloud}
	c := NewClient(WithBackend(BackendCloud, cloud), WithRetryPolicy(noRetry))

	if _, err := c.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cloud.calls != 1 {
		t.Errorf("expected 1 call, got %d", cloud.calls)
	}
}

func TestClientResolvesBackendFromCatalog(t *testing.T) {
	cloud := &mockBackend{name: BackendCloud}
	local := &mockBackend{name: BackendLocal}
	c := NewClient(
		WithBackend(BackendCloud, cloud),
		WithBackend(BackendLocal, local),
		WithRetryPolicy(noRetry),
	)

	// No default with two backends; the model id decides.
	_, err := c.Complete(context.Background(), Request{Model: "qwen2.5-coder:14b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if local.calls != 1 {
		t.Errorf("catalog should route local model to local backend, calls=%d", local.calls)
	}
}

func TestClientUnknownBackend(t *testing.T) {
	c := NewClient(WithRetryPolicy(noRetry))
	_, err := c.Complete(context.Background(), Request{Backend: "nope"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCompleteRetriesRetryableErrors(t *testing.T) {
	attempts := 0
	backend := &mockBackend{
		name: BackendCloud,
		completeFn: func(ctx context.Context, req Request) (*Response, error) {
			attempts++
			if attempts == 1 {
				return nil, &ServerError{ProviderError: ProviderError{
					ClientError: ClientError{Message: "boom"},
					Retryable:   true,
				}}
			}
			return &Response{Text: "recovered"}, nil
		},
	}
	c := NewClient(
		WithBackend(BackendCloud, backend),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}),
	)

	resp, err := c.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("expected %q, got %q", "recovered", resp.Text)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestCompleteDoesNotRetryAuthErrors(t *testing.T) {
	attempts := 0
	backend := &mockBackend{
		name: BackendCloud,
		completeFn: func(ctx context.Context, req Request) (*Response, error) {
			attempts++
			return nil, &AuthenticationError{ProviderError: ProviderError{
				ClientError: ClientError{Message: "bad key"},
				StatusCode:  401,
			}}
		},
	}
	c := NewClient(
		WithBackend(BackendCloud, backend),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}),
	)

	_, err := c.Complete(context.Background(), Request{})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("auth errors must not retry, got %d attempts", attempts)
	}
}

func TestStreamDeliversDeltasThenFinish(t *testing.T) {
	backend := &mockBackend{
		name: BackendCloud,
		streamFn: func(ctx context.Context, req Request) (<-chan StreamEvent, error) {
			return scriptedStream(
				StreamEvent{Type: StreamDelta, Delta: "hel"},
				StreamEvent{Type: StreamDelta, Delta: "lo"},
				StreamEvent{Type: StreamFinish, Usage: &Usage{OutputTokens: 2, TotalTokens: 2}},
			), nil
		},
	}
	c := NewClient(WithBackend(BackendCloud, backend), WithRetryPolicy(noRetry))

	events, err := c.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, usage, err := Collect(context.Background(), events)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "hello" {
		t.Errorf("expected %q, got %q", "hello", text)
	}
	if usage.TotalTokens != 2 {
		t.Errorf("expected usage from finish event, got %+v", usage)
	}
}

func TestCollectStreamError(t *testing.T) {
	events := scriptedStream(
		StreamEvent{Type: StreamDelta, Delta: "partial"},
		StreamEvent{Type: StreamError, Err: &ServerError{ProviderError: ProviderError{
			ClientError: ClientError{Message: "died mid-stream"},
		}}},
	)

	text, _, err := Collect(context.Background(), events)
	if err == nil {
		t.Fatal("expected the stream error")
	}
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Errorf("expected ServerError, got %v", err)
	}
	if text != "partial" {
		t.Errorf("expected partial text to survive, got %q", text)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Open channel with nothing pending: only cancellation can fire.
	events := make(chan StreamEvent)
	_, _, err := Collect(ctx, events)
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected AbortError, got %v", err)
	}
}

func TestCollectClosedWithoutTerminal(t *testing.T) {
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Type: StreamDelta, Delta: "cut "}
	close(ch)

	text, _, err := Collect(context.Background(), ch)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError for truncated stream, got %v", err)
	}
	if text != "cut " {
		t.Errorf("expected collected text %q, got %q", "cut ", text)
	}
}

func TestClientCloseClosesBackends(t *testing.T) {
	cloud := &mockBackend{name: BackendCloud}
	local := &mockBackend{name: BackendLocal}
	c := NewClient(
		WithBackend(BackendCloud, cloud),
		WithBackend(BackendLocal, local),
	)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !cloud.closed || !local.closed {
		t.Errorf("expected both backends closed: cloud=%v local=%v", cloud.closed, local.closed)
	}
}
