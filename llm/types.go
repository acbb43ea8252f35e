package llm

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// Well-known backend names.
const (
	BackendCloud = "cloud"
	BackendLocal = "local"
)

// Request is the input for both Complete and Stream.
type Request struct {
	// Backend selects a registered backend by name. Empty uses the
	// client default.
	Backend string `json:"backend,omitempty"`
	// Model overrides the backend's default model.
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is the output of Complete.
type Response struct {
	Model   string `json:"model"`
	Backend string `json:"backend"`
	Text    string `json:"text"`
	Usage   Usage  `json:"usage"`
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	// StreamDelta carries one text fragment.
	StreamDelta StreamEventType = "delta"
	// StreamFinish is the normal terminal event; Usage is populated.
	StreamFinish StreamEventType = "finish"
	// StreamError is the failure terminal event; Err is populated.
	StreamError StreamEventType = "error"
)

// StreamEvent is one event from a streaming response. A stream delivers
// zero or more delta events followed by exactly one terminal event,
// either finish or error, after which the channel is closed.
type StreamEvent struct {
	Type  StreamEventType
	Delta string
	Usage *Usage
	Err   error
}
