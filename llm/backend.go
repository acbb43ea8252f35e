package llm

import "context"

// Backend is the interface every model provider implementation
// satisfies.
type Backend interface {
	// Name returns the backend identifier ("cloud", "local").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a request and returns a channel of stream events.
	// The channel delivers zero or more delta events and exactly one
	// terminal event (finish or error), then closes. Cancelling ctx
	// ends the stream with an error event.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by backends that hold resources.
type Closer interface {
	Close() error
}
