// Package memory implements the three memory tiers agents draw on: volatile
// working memory scoped to a single run, an append-only session log flushed
// to disk, and a durable keyword-indexed semantic store shared across
// sessions.
package memory

import (
	"sync"
	"time"
)

// Action is one tool execution remembered by working memory.
type Action struct {
	Tool    string    `json:"tool"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// ring is a fixed-capacity buffer that overwrites its oldest entry.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the buffered values, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) reset() {
	r.start = 0
	r.n = 0
}

// Working is the volatile per-run memory of one agent: recent context notes
// and recent actions, each in a bounded ring. It dies with the agent.
type Working struct {
	mu      sync.Mutex
	context *ring[string]
	actions *ring[Action]
}

// NewWorking creates working memory with the given ring capacities.
// Non-positive capacities fall back to 50 context notes and 100 actions.
func NewWorking(contextCap, actionCap int) *Working {
	if contextCap <= 0 {
		contextCap = 50
	}
	if actionCap <= 0 {
		actionCap = 100
	}
	return &Working{
		context: newRing[string](contextCap),
		actions: newRing[Action](actionCap),
	}
}

// AddContext records a context note.
func (w *Working) AddContext(note string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.context.push(note)
}

// AddAction records a tool execution.
func (w *Working) AddAction(a Action) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actions.push(a)
}

// RecentContext returns the buffered context notes, oldest first.
func (w *Working) RecentContext() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.context.items()
}

// RecentActions returns the buffered actions, oldest first.
func (w *Working) RecentActions() []Action {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.actions.items()
}

// Reset clears both rings.
func (w *Working) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.context.reset()
	w.actions.reset()
}
