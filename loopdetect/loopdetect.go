// Package loopdetect flags agents that are stuck repeating unproductive
// actions. A Detector keeps a bounded sliding window of recent tool calls
// and errors per agent and reports a Verdict when the window shows the
// same call repeated, the same error recurring, or a two-tool ping-pong
// pattern with no progress.
package loopdetect

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Config controls the detector's window size and trigger threshold.
type Config struct {
	// WindowSize is how many recent tool calls and errors are retained
	// per agent.
	WindowSize int
	// Threshold is the repetition count that triggers each stuck
	// condition.
	Threshold int
}

// DefaultConfig returns the standard detector settings.
func DefaultConfig() Config {
	return Config{
		WindowSize: 10,
		Threshold:  3,
	}
}

// Execution is one observed tool invocation.
type Execution struct {
	ToolName string
	Params   map[string]interface{}
}

// Verdict is the outcome of a stuck-loop check. When IsStuck is false
// the other fields are empty.
type Verdict struct {
	IsStuck    bool
	Reason     string
	Evidence   []string
	Suggestion string
}

// Detector tracks recent tool calls and errors per agent id. Safe for
// concurrent use by multiple agent loops.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	agents map[string]*window
}

type window struct {
	calls  []callRecord
	errors []errorRecord
}

type callRecord struct {
	name string
	sig  string
	desc string
}

type errorRecord struct {
	raw  string
	norm string
}

// NewDetector returns a Detector. Zero-value config fields fall back to
// DefaultConfig.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Detector{
		cfg:    cfg,
		agents: make(map[string]*window),
	}
}

// RecordToolExecution appends a tool call to the agent's window.
func (d *Detector) RecordToolExecution(agentID string, exec Execution) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.windowFor(agentID)
	w.calls = appendBounded(w.calls, callRecord{
		name: exec.ToolName,
		sig:  callSignature(exec.ToolName, exec.Params),
		desc: describeCall(exec.ToolName, exec.Params),
	}, d.cfg.WindowSize)
}

// RecordError appends an error observation to the agent's window.
func (d *Detector) RecordError(agentID string, errText string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.windowFor(agentID)
	w.errors = appendBounded(w.errors, errorRecord{
		raw:  errText,
		norm: NormalizeError(errText),
	}, d.cfg.WindowSize)
}

// DetectLoop inspects the agent's window and reports whether it is
// stuck. The verdict depends only on the recorded history, so identical
// histories always yield identical verdicts.
func (d *Detector) DetectLoop(agentID string) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.agents[agentID]
	if !ok {
		return Verdict{}
	}
	if v := d.identicalCalls(w); v.IsStuck {
		return v
	}
	if v := d.repeatedError(w); v.IsStuck {
		return v
	}
	if v := d.pingPong(w); v.IsStuck {
		return v
	}
	return Verdict{}
}

// Forget drops all recorded state for an agent. Called when the agent's
// loop reaches a terminal status.
func (d *Detector) Forget(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
}

// windowFor returns the agent's window, creating it if needed.
// Caller must hold d.mu.
func (d *Detector) windowFor(agentID string) *window {
	w, ok := d.agents[agentID]
	if !ok {
		w = &window{}
		d.agents[agentID] = w
	}
	return w
}

// identicalCalls triggers when the last Threshold calls share one
// signature.
func (d *Detector) identicalCalls(w *window) Verdict {
	k := d.cfg.Threshold
	if len(w.calls) < k {
		return Verdict{}
	}
	recent := w.calls[len(w.calls)-k:]
	for _, c := range recent[1:] {
		if c.sig != recent[0].sig {
			return Verdict{}
		}
	}
	evidence := make([]string, 0, k)
	for _, c := range recent {
		evidence = append(evidence, c.desc)
	}
	return Verdict{
		IsStuck:    true,
		Reason:     fmt.Sprintf("last %d tool calls are identical: %s", k, recent[0].name),
		Evidence:   evidence,
		Suggestion: "Repeating the same call will not change the result. Re-read the task and try a different tool or different parameters.",
	}
}

// repeatedError triggers when one normalized error accounts for at
// least Threshold entries in the window.
func (d *Detector) repeatedError(w *window) Verdict {
	k := d.cfg.Threshold
	if len(w.errors) < k {
		return Verdict{}
	}
	counts := make(map[string]int, len(w.errors))
	for _, e := range w.errors {
		counts[e.norm]++
	}
	// Scan in recorded order so the chronologically first offender wins.
	for _, e := range w.errors {
		if counts[e.norm] < k {
			continue
		}
		evidence := make([]string, 0, counts[e.norm])
		for _, cand := range w.errors {
			if cand.norm == e.norm {
				evidence = append(evidence, cand.raw)
			}
		}
		return Verdict{
			IsStuck:    true,
			Reason:     fmt.Sprintf("the same error occurred %d times: %s", counts[e.norm], e.norm),
			Evidence:   evidence,
			Suggestion: "The current approach keeps failing with the same error. Fix the underlying cause before retrying, or take a different approach.",
		}
	}
	return Verdict{}
}

// pingPong triggers when the last 2*Threshold calls alternate between
// exactly two signatures with distinct tool names. Unchanged parameters
// on both sides stand in for "no net state change"; alternation with
// varying parameters is treated as progress.
func (d *Detector) pingPong(w *window) Verdict {
	k := d.cfg.Threshold
	need := 2 * k
	if len(w.calls) < need {
		return Verdict{}
	}
	recent := w.calls[len(w.calls)-need:]
	a, b := recent[0], recent[1]
	if a.name == b.name {
		return Verdict{}
	}
	for i, c := range recent {
		want := a.sig
		if i%2 == 1 {
			want = b.sig
		}
		if c.sig != want {
			return Verdict{}
		}
	}
	evidence := make([]string, 0, need)
	for _, c := range recent {
		evidence = append(evidence, c.desc)
	}
	return Verdict{
		IsStuck:    true,
		Reason:     fmt.Sprintf("tool calls alternate between %s and %s with no progress", a.name, b.name),
		Evidence:   evidence,
		Suggestion: fmt.Sprintf("Alternating between %s and %s is not moving the task forward. Step back and plan a different next action.", a.name, b.name),
	}
}

// appendBounded appends v, dropping the oldest entry once the slice
// holds max elements.
func appendBounded[T any](s []T, v T, max int) []T {
	if len(s) >= max {
		copy(s, s[len(s)-max+1:])
		s = s[:max-1]
	}
	return append(s, v)
}

// callSignature computes a deterministic signature for a tool call
// (name + hash of parameters). encoding/json writes map keys in sorted
// order, so equal parameter maps always hash equally.
func callSignature(name string, params map[string]interface{}) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(name)
	}
	h := sha256.Sum256(b)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// describeCall renders a call for verdict evidence.
func describeCall(name string, params map[string]interface{}) string {
	if len(params) == 0 {
		return name + "()"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return name + "(?)"
	}
	return fmt.Sprintf("%s(%s)", name, b)
}

var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?|\b\d{2}:\d{2}:\d{2}\b`)
	pathRe      = regexp.MustCompile(`(?:[a-z]:)?[\w.~-]*[/\\][\w./\\-]+`)
	fileRe      = regexp.MustCompile(`\b[\w-]+\.[a-z]{1,4}\b`)
	lineColRe   = regexp.MustCompile(`\bline \d+\b|:\d+(?::\d+)?\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// NormalizeError reduces an error string to its stable shape: lowercase,
// with paths, file names, line and column numbers, and timestamps
// removed. Two occurrences of the same failure class normalize to the
// same string even when they mention different files or positions.
func NormalizeError(s string) string {
	s = strings.ToLower(s)
	s = timestampRe.ReplaceAllString(s, "")
	s = pathRe.ReplaceAllString(s, "")
	s = fileRe.ReplaceAllString(s, "")
	s = lineColRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
