package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client routes requests to registered backends by name and applies the
// retry policy to blocking completions. Construct one per process and
// inject it; there is no package-level default.
type Client struct {
	mu             sync.RWMutex
	backends       map[string]Backend
	defaultBackend string
	retry          RetryPolicy
	logger         *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackend registers a backend under a name.
func WithBackend(name string, backend Backend) ClientOption {
	return func(c *Client) {
		c.backends[name] = backend
	}
}

// WithDefaultBackend sets the backend used when a request names none.
func WithDefaultBackend(name string) ClientOption {
	return func(c *Client) {
		c.defaultBackend = name
	}
}

// WithRetryPolicy overrides the default retry policy for completions.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client with the given options. With exactly one
// registered backend and no explicit default, that backend becomes the
// default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		backends: make(map[string]Backend),
		retry:    DefaultRetryPolicy(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultBackend == "" && len(c.backends) == 1 {
		for name := range c.backends {
			c.defaultBackend = name
		}
	}
	return c
}

// RegisterBackend adds a backend after construction.
func (c *Client) RegisterBackend(name string, backend Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[name] = backend
	if c.defaultBackend == "" {
		c.defaultBackend = name
	}
}

// HasBackend reports whether a backend is registered under name.
func (c *Client) HasBackend(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.backends[name]
	return ok
}

// resolve picks the backend for a request.
func (c *Client) resolve(req Request) (Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Backend
	if name == "" {
		name = c.defaultBackend
	}
	if name == "" && req.Model != "" {
		// Fall back to the catalog when only a model id is given.
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Backend
		}
	}
	if name == "" {
		return nil, &ConfigurationError{ClientError: ClientError{
			Message: "no backend named in request and no default backend configured",
		}}
	}
	backend, ok := c.backends[name]
	if !ok {
		return nil, &ConfigurationError{ClientError: ClientError{
			Message: fmt.Sprintf("backend %q is not registered", name),
		}}
	}
	return backend, nil
}

// Complete sends a blocking request to the resolved backend, retrying
// retryable failures under the client's policy.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	backend, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Backend == "" {
		req.Backend = backend.Name()
	}

	policy := c.retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			c.logger.Warn("retrying completion",
				zap.String("backend", req.Backend),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}
	return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return backend.Complete(ctx, req)
	})
}

// Stream opens a streaming request on the resolved backend. Stream
// failures are not retried; the caller owns that decision.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	backend, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Backend == "" {
		req.Backend = backend.Name()
	}
	return backend.Stream(ctx, req)
}

// Close releases resources held by registered backends.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, backend := range c.backends {
		if closer, ok := backend.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
