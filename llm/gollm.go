package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
)

// GollmBackend reaches hosted providers (Anthropic, OpenAI, ...) through
// gollm and implements Backend. Its Name is always "cloud".
type GollmBackend struct {
	provider string
	model    string
	llm      gollm.LLM

	// gollm applies request-level overrides by mutating the underlying
	// client, so requests that carry overrides serialize their setup.
	mu sync.Mutex
}

// GollmOption configures a GollmBackend.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. When empty, gollm reads the provider's
// environment variable.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions appends raw gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmBackend creates the cloud backend for a provider. An empty
// model picks the catalog's preferred cloud model for that provider.
func NewGollmBackend(provider string, opts ...GollmOption) (*GollmBackend, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := ResolveModel(cfg.model)
	if model == "" {
		if info := GetLatestModel(BackendCloud, provider); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{ClientError: ClientError{
				Message: fmt.Sprintf("no default model known for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries live in Client
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm client for provider %s: %w", provider, err)
	}

	return &GollmBackend{
		provider: provider,
		model:    model,
		llm:      inner,
	}, nil
}

// Name returns "cloud".
func (b *GollmBackend) Name() string {
	return BackendCloud
}

// Complete sends a blocking request.
func (b *GollmBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := b.translatePrompt(req)

	b.mu.Lock()
	b.applyOverrides(req)
	text, err := b.llm.Generate(ctx, prompt)
	b.mu.Unlock()
	if err != nil {
		return nil, b.translateError(err)
	}
	return b.buildResponse(req, text), nil
}

// Stream sends a streaming request. Providers without native streaming
// fall back to a single delta carrying the full completion.
func (b *GollmBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := b.translatePrompt(req)
	ch := make(chan StreamEvent, 64)

	if !b.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			b.mu.Lock()
			b.applyOverrides(req)
			text, err := b.llm.Generate(ctx, prompt)
			b.mu.Unlock()
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: b.translateError(err)}
				return
			}
			ch <- StreamEvent{Type: StreamDelta, Delta: text}
			resp := b.buildResponse(req, text)
			ch <- StreamEvent{Type: StreamFinish, Usage: &resp.Usage}
		}()
		return ch, nil
	}

	b.mu.Lock()
	b.applyOverrides(req)
	stream, err := b.llm.Stream(ctx, prompt)
	b.mu.Unlock()
	if err != nil {
		return nil, b.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: b.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			full.WriteString(token.Text)
			ch <- StreamEvent{Type: StreamDelta, Delta: token.Text}
		}

		resp := b.buildResponse(req, full.String())
		ch <- StreamEvent{Type: StreamFinish, Usage: &resp.Usage}
	}()

	return ch, nil
}

// translatePrompt flattens conversation history into a gollm prompt.
// System messages become the system prompt; assistant turns are labeled
// so multi-turn context survives the flattening.
func (b *GollmBackend) translatePrompt(req Request) *gollm.Prompt {
	var system strings.Builder
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system.WriteString(msg.Content)
			system.WriteString("\n")
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
		}
	}

	text := strings.Join(parts, "\n")
	if text == "" {
		text = "Continue."
	}

	var opts []gollm.PromptOption
	if s := strings.TrimSpace(system.String()); s != "" {
		opts = append(opts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	return gollm.NewPrompt(text, opts...)
}

// applyOverrides pushes request-level parameters into gollm. Caller must
// hold b.mu.
func (b *GollmBackend) applyOverrides(req Request) {
	if req.Model != "" {
		b.llm.SetOption("model", ResolveModel(req.Model))
	}
	if req.Temperature != nil {
		b.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		b.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (b *GollmBackend) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = b.model
	}
	// gollm does not expose usage; estimate from text length.
	in := 0
	for _, msg := range req.Messages {
		in += len(msg.Content) / 4
	}
	out := len(text) / 4
	return &Response{
		Model:   model,
		Backend: BackendCloud,
		Text:    text,
		Usage:   Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// translateError folds a gollm error into the package error hierarchy.
// gollm flattens provider responses into message strings, so
// classification is by substring.
func (b *GollmBackend) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	pe := ProviderError{
		ClientError: ClientError{Message: msg, Cause: err},
		Backend:     b.provider,
	}
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		pe.StatusCode = 404
		return &NotFoundError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{ClientError: ClientError{Message: msg, Cause: err}}
	default:
		pe.Retryable = true
		return &pe
	}
}
