package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/martinemde/conductor/events"
	"github.com/martinemde/conductor/lessons"
	"github.com/martinemde/conductor/llm"
)

// scriptedModel replays a fixed sequence of turns, one per Stream call.
type scriptedModel struct {
	mu    sync.Mutex
	turns []string
	calls int
	// errAt makes the numbered call (1-based) end with a stream error.
	errAt int
}

func (m *scriptedModel) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	ch := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(ch)
		if m.errAt > 0 && idx+1 == m.errAt {
			ch <- llm.StreamEvent{Type: llm.StreamError, Err: &llm.ServerError{
				ProviderError: llm.ProviderError{
					ClientError: llm.ClientError{Message: "backend exploded"},
					Backend:     "cloud",
					StatusCode:  500,
				},
			}}
			return
		}
		if idx >= len(m.turns) {
			ch <- llm.StreamEvent{Type: llm.StreamError, Err: &llm.NetworkError{
				ClientError: llm.ClientError{Message: "script exhausted"},
			}}
			return
		}
		// Split into two deltas to exercise chunk assembly.
		text := m.turns[idx]
		half := len(text) / 2
		ch <- llm.StreamEvent{Type: llm.StreamDelta, Delta: text[:half]}
		ch <- llm.StreamEvent{Type: llm.StreamDelta, Delta: text[half:]}
		ch <- llm.StreamEvent{Type: llm.StreamFinish, Usage: &llm.Usage{TotalTokens: len(text)}}
	}()
	return ch, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// blockingModel never produces a terminal event; it waits for cancellation.
type blockingModel struct{}

func (m *blockingModel) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// fakeExecutor records calls and serves canned results or failures.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	results  map[string]string
	// failOnce drops the failure after it fires once.
	failOnce bool
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.failures[name]; ok {
		if f.failOnce {
			delete(f.failures, name)
		}
		return "", err
	}
	if out, ok := f.results[name]; ok {
		return out, nil
	}
	return "ok", nil
}

func (f *fakeExecutor) Describe() string {
	return "- read_file: read a file\n- write_file: write a file\n"
}

func (f *fakeExecutor) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func toolBlock(name, paramsJSON string) string {
	return fmt.Sprintf("```tool\n{\"name\": %q, \"params\": %s}\n```", name, paramsJSON)
}

func newTestEngine(t *testing.T, model ChatStreamer, exec ToolExecutor) *Engine {
	t.Helper()
	return New(TypeCoder, "do the thing", Config{MaxIterations: 10}, Services{
		Model:    model,
		Executor: exec,
	})
}

func waitResult(t *testing.T, e *Engine) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("agent did not terminate: %v", err)
	}
	return res
}

func TestCompletesOnTaskComplete(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{turns: []string{
		"reading first " + toolBlock("read_file", `{"path": "a.go"}`),
		toolBlock("task_complete", `{"summary": "entity added"}`),
	}}
	exec := &fakeExecutor{results: map[string]string{"read_file": "package main"}}
	e := newTestEngine(t, model, exec)

	if !e.Start(context.Background()) {
		t.Fatal("expected Start to launch the loop")
	}
	res := waitResult(t, e)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Summary)
	}
	if res.Summary != "entity added" {
		t.Errorf("expected summary from task_complete, got %q", res.Summary)
	}
	snap := e.Snapshot()
	if len(snap.ToolHistory) != 1 || snap.ToolHistory[0].ToolName != "read_file" {
		t.Errorf("expected one read_file tool record, got %+v", snap.ToolHistory)
	}
	if snap.IterationCount != 2 {
		t.Errorf("expected 2 iterations, got %d", snap.IterationCount)
	}
}

func TestCompletesOnMarker(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{turns: []string{"Everything is wired up. " + CompletionMarker}}
	e := newTestEngine(t, model, &fakeExecutor{})

	e.Start(context.Background())
	res := waitResult(t, e)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if !strings.Contains(res.Summary, "wired up") {
		t.Errorf("summary should keep the surrounding text, got %q", res.Summary)
	}
}

func TestNoProgressThreeStrikes(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{turns: []string{
		"let me think about this",
		"still thinking",
		"hmm",
	}}
	e := newTestEngine(t, model, &fakeExecutor{})

	e.Start(context.Background())
	res := waitResult(t, e)
	if res.Status != StatusError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	var npErr *NoProgressError
	if !errors.As(res.Err, &npErr) {
		t.Fatalf("expected NoProgressError, got %T", res.Err)
	}
	if npErr.Malformed {
		t.Error("strikes came from call-free turns, not malformed blocks")
	}
	// The first two strikes each push a corrective instruction.
	correctives := 0
	for _, msg := range e.Snapshot().MessageHistory {
		if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "no tool call") {
			correctives++
		}
	}
	if correctives != 2 {
		t.Errorf("expected 2 corrective messages, got %d", correctives)
	}
}

func TestMalformedThreeStrikes(t *testing.T) {
	defer goleak.VerifyNone(t)
	bad := "```tool\nthis is not json at all\n```"
	model := &scriptedModel{turns: []string{bad, bad, bad}}
	e := newTestEngine(t, model, &fakeExecutor{})

	e.Start(context.Background())
	res := waitResult(t, e)
	if res.Status != StatusError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	var npErr *NoProgressError
	if !errors.As(res.Err, &npErr) {
		t.Fatalf("expected NoProgressError, got %T", res.Err)
	}
	if !npErr.Malformed {
		t.Error("expected the malformed flavor of the 3-strike failure")
	}
	found := false
	for _, msg := range e.Snapshot().MessageHistory {
		if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "could not be parsed") {
			found = true
		}
	}
	if !found {
		t.Error("expected a JSON-format corrective message in the history")
	}
}

func TestProviderErrorIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{errAt: 1}
	e := newTestEngine(t, model, &fakeExecutor{})

	e.Start(context.Background())
	res := waitResult(t, e)
	if res.Status != StatusError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	var provErr *llm.ServerError
	if !errors.As(res.Err, &provErr) {
		t.Fatalf("expected the provider error to surface, got %T", res.Err)
	}
	if res.Summary == "" {
		t.Error("terminal non-completed states must carry a reason")
	}
}

func TestMaxIterationsIsError(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{turns: []string{
		toolBlock("read_file", `{"path": "a.go"}`),
		toolBlock("read_file", `{"path": "b.go"}`),
		toolBlock("read_file", `{"path": "c.go"}`),
	}}
	e := New(TypeCoder, "endless task", Config{MaxIterations: 2}, Services{
		Model:    model,
		Executor: &fakeExecutor{},
	})

	e.Start(context.Background())
	res := waitResult(t, e)
	if res.Status != StatusError {
		t.Fatalf("budget exhaustion must be error, got %s", res.Status)
	}
	var mie *MaxIterationsError
	if !errors.As(res.Err, &mie) {
		t.Fatalf("expected MaxIterationsError, got %T", res.Err)
	}
	if e.Snapshot().IterationCount != 2 {
		t.Errorf("expected exactly 2 iterations, got %d", e.Snapshot().IterationCount)
	}
}

func TestLoopDetectionTerminates(t *testing.T) {
	defer goleak.VerifyNone(t)
	same := toolBlock("read_file", `{"path": "a.ts"}`)
	model := &scriptedModel{turns: []string{same, same, same, same}}
	broker := events.NewBroker(16)
	defer broker.Close()
	sub, cancelSub := broker.Subscribe()
	defer cancelSub()

	e := New(TypeCoder, "stuck task", Config{MaxIterations: 10}, Services{
		Model:    model,
		Executor: &fakeExecutor{},
		Broker:   broker,
	})
	e.Start(context.Background())
	res := waitResult(t, e)

	if res.Status != StatusError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	var loopErr *LoopDetectedError
	if !errors.As(res.Err, &loopErr) {
		t.Fatalf("expected LoopDetectedError, got %T", res.Err)
	}
	if len(loopErr.Evidence) != 3 {
		t.Errorf("expected 3 evidence entries, got %d", len(loopErr.Evidence))
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindLoopDetected {
				return
			}
		case <-deadline:
			t.Fatal("expected a loop_detected event for the orchestrator")
		}
	}
}

func TestDuplicateStartIsNoOp(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{turns: []string{
		toolBlock("task_complete", `{"summary": "done"}`),
	}}
	e := newTestEngine(t, model, &fakeExecutor{})

	first := e.Start(context.Background())
	second := e.Start(context.Background())
	if !first {
		t.Fatal("first Start must launch the loop")
	}
	if second {
		t.Fatal("second Start must be a silent no-op")
	}
	waitResult(t, e)
	if model.callCount() != 1 {
		t.Errorf("exactly one loop should have run, saw %d model calls", model.callCount())
	}
	if e.Start(context.Background()) {
		t.Error("Start after a terminal status must be a no-op")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newTestEngine(t, &blockingModel{}, &fakeExecutor{})
	e.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	e.Stop()
	res := waitResult(t, e)
	if res.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", res.Status)
	}
	if res.Summary == "" {
		t.Error("stopped agents still carry a reason string")
	}
}

func TestAskUserWaitsAndResumes(t *testing.T) {
	defer goleak.VerifyNone(t)
	model := &scriptedModel{turns: []string{
		toolBlock("ask_user", `{"question": "which database?"}`),
		toolBlock("task_complete", `{"summary": "used sqlite"}`),
	}}
	e := newTestEngine(t, model, &fakeExecutor{})
	e.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for e.Status() != StatusWaitingUser {
		if time.Now().After(deadline) {
			t.Fatal("agent never reached waiting_user")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.Resume("use sqlite"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	res := waitResult(t, e)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", res.Status)
	}

	found := false
	for _, msg := range e.Snapshot().MessageHistory {
		if msg.Role == llm.RoleUser && msg.Content == "use sqlite" {
			found = true
		}
	}
	if !found {
		t.Error("resume message should be appended to the history")
	}
}

func TestResumeWhenNotWaiting(t *testing.T) {
	e := newTestEngine(t, &scriptedModel{}, &fakeExecutor{})
	if err := e.Resume("hello"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting, got %v", err)
	}
}

func TestLessonRecordedAfterFixedFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := lessons.NewStore(lessons.DefaultConfig(t.TempDir()), nil)
	defer store.Close()

	model := &scriptedModel{turns: []string{
		toolBlock("read_file", `{"path": "a.ts"}`),
		toolBlock("write_file", `{"path": "a.ts", "content": "export {}"}`),
		toolBlock("task_complete", `{"summary": "created the file"}`),
	}}
	exec := &fakeExecutor{
		failures: map[string]error{"read_file": errors.New("ENOENT: no such file, open 'a.ts'")},
		failOnce: true,
	}
	e := New(TypeCoder, "create a.ts", Config{MaxIterations: 10}, Services{
		Model:    model,
		Executor: exec,
		Lessons:  store,
	})
	e.Start(context.Background())
	res := waitResult(t, e)
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Summary)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 lesson linking the error to the fix, got %d", store.Count())
	}
	relevant := store.FindRelevant("ENOENT: no such file, open 'b.ts'", 5)
	if len(relevant) != 1 {
		t.Fatalf("the lesson should match the same error class, got %d results", len(relevant))
	}
	if !strings.Contains(relevant[0].FixDescription, "write_file") {
		t.Errorf("fix should describe the successful call, got %q", relevant[0].FixDescription)
	}
}

func TestKnownLessonInjectedOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := lessons.NewStore(lessons.DefaultConfig(t.TempDir()), nil)
	defer store.Close()
	store.RecordFix(
		"ENOENT: no such file",
		"earlier run",
		"write_file first",
		"create the missing file with write_file before reading it",
	)

	model := &scriptedModel{turns: []string{
		toolBlock("read_file", `{"path": "missing.go"}`),
		toolBlock("task_complete", `{"summary": "gave up gracefully"}`),
	}}
	exec := &fakeExecutor{
		failures: map[string]error{"read_file": errors.New("ENOENT: no such file, open 'missing.go'")},
	}
	e := New(TypeCoder, "read missing.go", Config{MaxIterations: 10}, Services{
		Model:    model,
		Executor: exec,
		Lessons:  store,
	})
	e.Start(context.Background())
	waitResult(t, e)

	found := false
	for _, msg := range e.Snapshot().MessageHistory {
		if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "create the missing file") {
			found = true
		}
	}
	if !found {
		t.Error("expected the stored fix to be injected into the failure feedback")
	}
}

func TestFirstCallWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	multi := toolBlock("read_file", `{"path": "a.go"}`) + "\n" +
		toolBlock("read_file", `{"path": "b.go"}`)
	model := &scriptedModel{turns: []string{
		multi,
		toolBlock("task_complete", `{"summary": "done"}`),
	}}
	exec := &fakeExecutor{}
	e := newTestEngine(t, model, exec)
	e.Start(context.Background())
	waitResult(t, e)

	if calls := exec.callNames(); len(calls) != 1 || calls[0] != "read_file" {
		t.Errorf("only the first call of a multi-call turn should execute, got %v", calls)
	}
}
