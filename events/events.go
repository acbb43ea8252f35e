// Package events provides an in-process publish/subscribe broker for
// coordination events. Agents, the orchestrator, and stores publish typed
// events; any number of consumers subscribe and receive them on buffered
// channels. Subscribers get an explicit cancel function and must call it
// when done.
package events

import (
	"sync"
	"time"
)

// Kind identifies the type of coordination event.
type Kind string

const (
	KindAgentStatusChanged Kind = "agent_status_changed"
	KindAgentOutput        Kind = "agent_output"
	KindToolExecuted       Kind = "tool_executed"
	KindLoopDetected       Kind = "loop_detected"
	KindStepStarted        Kind = "step_started"
	KindStepFinished       Kind = "step_finished"
	KindLessonRecorded     Kind = "lesson_recorded"
	KindSessionStarted     Kind = "session_started"
	KindSessionEnded       Kind = "session_ended"
)

// Event is a single coordination event.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agentId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Broker fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full the oldest buffered event is evicted to make
// room, so slow consumers see the most recent history rather than stalling
// producers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	bufSize int
	closed  bool
}

// NewBroker creates a Broker whose subscriber channels hold bufSize events.
// Non-positive sizes fall back to 256.
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broker{
		subs:    make(map[chan Event]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a consumer and returns its event channel plus a
// cancel function. Cancel removes the subscription and closes the channel;
// it is safe to call more than once. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	return ch, func() { b.unsubscribe(ch) }
}

func (b *Broker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every subscriber. The timestamp is stamped
// here unless the caller already set one.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: evict the oldest event, then try once more.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
// Safe to call multiple times.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]struct{})
}

// AgentStatusChanged publishes a status transition for an agent.
func (b *Broker) AgentStatusChanged(agentID, from, to string) {
	b.Publish(Event{
		Kind:    KindAgentStatusChanged,
		AgentID: agentID,
		Data:    map[string]interface{}{"from": from, "to": to},
	})
}

// AgentOutput publishes a chunk of agent output.
func (b *Broker) AgentOutput(agentID, text string) {
	b.Publish(Event{
		Kind:    KindAgentOutput,
		AgentID: agentID,
		Data:    map[string]interface{}{"text": text},
	})
}

// ToolExecuted publishes the outcome of a tool call.
func (b *Broker) ToolExecuted(agentID, tool string, success bool, elapsed time.Duration) {
	b.Publish(Event{
		Kind:    KindToolExecuted,
		AgentID: agentID,
		Data: map[string]interface{}{
			"tool":      tool,
			"success":   success,
			"elapsedMs": elapsed.Milliseconds(),
		},
	})
}

// LoopDetected publishes a stuck-agent verdict so the orchestrator can react.
func (b *Broker) LoopDetected(agentID, reason, suggestion string) {
	b.Publish(Event{
		Kind:    KindLoopDetected,
		AgentID: agentID,
		Data:    map[string]interface{}{"reason": reason, "suggestion": suggestion},
	})
}

// StepStarted publishes the start of a plan step.
func (b *Broker) StepStarted(stepID, agentID, description string) {
	b.Publish(Event{
		Kind:    KindStepStarted,
		AgentID: agentID,
		Data:    map[string]interface{}{"stepId": stepID, "description": description},
	})
}

// StepFinished publishes the completion of a plan step.
func (b *Broker) StepFinished(stepID, agentID string, success bool) {
	b.Publish(Event{
		Kind:    KindStepFinished,
		AgentID: agentID,
		Data:    map[string]interface{}{"stepId": stepID, "success": success},
	})
}

// LessonRecorded publishes that a fix was stored for a failure pattern.
func (b *Broker) LessonRecorded(agentID, pattern string) {
	b.Publish(Event{
		Kind:    KindLessonRecorded,
		AgentID: agentID,
		Data:    map[string]interface{}{"pattern": pattern},
	})
}
