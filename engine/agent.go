package engine

import (
	"time"

	"github.com/martinemde/conductor/llm"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusStopped     Status = "stopped"
	StatusWaitingUser Status = "waiting_user"
)

// Terminal reports whether the status is final for the agent instance.
// waiting_user is not terminal: it re-enters running on resume.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}

// ToolRecord is one entry in an agent's tool audit trail.
type ToolRecord struct {
	ToolName string                 `json:"toolName"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Result   string                 `json:"result"`
	Success  bool                   `json:"success"`
	At       time.Time              `json:"at"`
}

// Agent is the state of one think-act-observe loop bound to a single task.
// It is owned exclusively by its Engine; the engine's status transitions are
// the only external mutation surface. MessageHistory and ToolHistory are
// append-only; ToolHistory is the audit trail the loop detector consults.
type Agent struct {
	ID             string        `json:"id"`
	AgentType      string        `json:"agentType"`
	Status         Status        `json:"status"`
	Task           string        `json:"task"`
	ModelID        string        `json:"modelId"`
	MessageHistory []llm.Message `json:"messageHistory"`
	ToolHistory    []ToolRecord  `json:"toolHistory"`
	IterationCount int           `json:"iterationCount"`
	MaxIterations  int           `json:"maxIterations"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}

// copyAgent returns a snapshot safe to hand outside the engine.
func copyAgent(a Agent) Agent {
	out := a
	out.MessageHistory = append([]llm.Message(nil), a.MessageHistory...)
	out.ToolHistory = append([]ToolRecord(nil), a.ToolHistory...)
	if a.EndedAt != nil {
		end := *a.EndedAt
		out.EndedAt = &end
	}
	return out
}

// Result is the terminal outcome of one agent run.
type Result struct {
	AgentID string
	Status  Status
	// Summary is the completion summary for completed agents and the
	// human-readable reason for every other terminal state.
	Summary string
	// Err carries the typed failure for error status, nil otherwise.
	Err error
}
