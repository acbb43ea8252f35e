package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatBackend reaches local OpenAI-compatible servers (Ollama,
// LM Studio, llama.cpp) and implements Backend. Its Name is always
// "local".
type OpenAICompatBackend struct {
	client *openai.Client
	model  string
}

// OpenAICompatConfig configures the local backend.
type OpenAICompatConfig struct {
	// BaseURL is the server endpoint. Defaults to Ollama's OpenAI
	// compatibility endpoint.
	BaseURL string
	// APIKey is sent as the bearer token. Local servers usually accept
	// any value.
	APIKey string
	// Model is the default model id. Empty picks the catalog's
	// preferred local model.
	Model string
}

// NewOpenAICompatBackend creates the local backend.
func NewOpenAICompatBackend(cfg OpenAICompatConfig) *OpenAICompatBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}
	model := ResolveModel(cfg.Model)
	if model == "" {
		if info := GetLatestModel(BackendLocal, ""); info != nil {
			model = info.ID
		}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &OpenAICompatBackend{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}
}

// Name returns "local".
func (b *OpenAICompatBackend) Name() string {
	return BackendLocal
}

// Complete sends a blocking request.
func (b *OpenAICompatBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.translateRequest(req))
	if err != nil {
		return nil, b.translateError(err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &Response{
		Model:   b.modelFor(req),
		Backend: BackendLocal,
		Text:    text,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream sends a streaming request.
func (b *OpenAICompatBackend) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.translateRequest(req))
	if err != nil {
		return nil, b.translateError(err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: b.translateError(err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			ch <- StreamEvent{Type: StreamDelta, Delta: delta}
		}

		// Local servers rarely report usage on streams; estimate.
		in := 0
		for _, msg := range req.Messages {
			in += len(msg.Content) / 4
		}
		out := full.Len() / 4
		ch <- StreamEvent{Type: StreamFinish, Usage: &Usage{
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
		}}
	}()

	return ch, nil
}

func (b *OpenAICompatBackend) modelFor(req Request) string {
	if req.Model != "" {
		return ResolveModel(req.Model)
	}
	return b.model
}

func (b *OpenAICompatBackend) translateRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    translateRole(msg.Role),
			Content: msg.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    b.modelFor(req),
		Messages: messages,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

func translateRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// translateError folds a go-openai error into the package hierarchy.
func (b *OpenAICompatBackend) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{ClientError: ClientError{Message: "request cancelled", Cause: err}}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, BackendLocal, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), BackendLocal, nil)
	}

	// Connection-level failures (server not running, refused, reset).
	return &NetworkError{ClientError: ClientError{Message: err.Error(), Cause: err}}
}
