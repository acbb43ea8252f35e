package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAgentNotFound is returned by Manager lookups for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNotWaiting is returned when Resume is called on an agent that is not
// in waiting_user.
var ErrNotWaiting = errors.New("agent is not waiting for user input")

// LoopDetectedError is the terminal failure of an agent flagged as stuck.
// It is fatal for the agent but explicitly retryable at the orchestration
// layer, which may respawn the step with a different approach.
type LoopDetectedError struct {
	Reason     string
	Evidence   []string
	Suggestion string
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected: %s", e.Reason)
}

// Detail renders the verdict for event payloads and logs.
func (e *LoopDetectedError) Detail() string {
	var sb strings.Builder
	sb.WriteString(e.Reason)
	if len(e.Evidence) > 0 {
		sb.WriteString("\nevidence:\n  ")
		sb.WriteString(strings.Join(e.Evidence, "\n  "))
	}
	if e.Suggestion != "" {
		sb.WriteString("\nsuggestion: ")
		sb.WriteString(e.Suggestion)
	}
	return sb.String()
}

// MaxIterationsError reports an agent that exhausted its iteration budget
// while still running. Exhaustion is always a failure, never completion.
type MaxIterationsError struct {
	Iterations int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("agent exhausted its iteration budget (%d iterations) without completing", e.Iterations)
}

// NoProgressError reports an agent that produced neither a tool call nor a
// completion for three consecutive iterations despite corrective prompting.
type NoProgressError struct {
	Strikes int
	// Malformed is true when the strikes came from unparseable tool blocks
	// rather than call-free responses.
	Malformed bool
}

func (e *NoProgressError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("agent emitted malformed tool calls %d times in a row", e.Strikes)
	}
	return fmt.Sprintf("agent made no progress for %d consecutive iterations", e.Strikes)
}
