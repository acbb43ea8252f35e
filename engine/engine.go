package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/conductor/events"
	"github.com/martinemde/conductor/lessons"
	"github.com/martinemde/conductor/llm"
	"github.com/martinemde/conductor/loopdetect"
	"github.com/martinemde/conductor/memory"
	"github.com/martinemde/conductor/toolcall"
)

// CompletionMarker in a call-free assistant turn signals natural task
// completion. It mirrors the reserved task_complete tool for models that
// finish in prose instead of emitting a final tool block.
const CompletionMarker = "TASK_COMPLETE"

const (
	// noProgressLimit is the consecutive count of call-free or malformed
	// turns after which the run fails.
	noProgressLimit = 3
	// lessonWindow is how long after a tool failure a subsequent success
	// still counts as the fix for that failure.
	lessonWindow = 5 * time.Minute
	// lessonLimit caps how many learned fixes are injected per failure.
	lessonLimit = 3
)

// ChatStreamer streams model output for a conversation. *llm.Client
// satisfies it.
type ChatStreamer interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

// ToolExecutor is the collaborator that actually performs the file, shell,
// and search operations agents request. toolexec.Binding satisfies it.
type ToolExecutor interface {
	// Execute runs one named tool call and returns its output. The error
	// text is fed back to the model verbatim, so it should be actionable.
	Execute(ctx context.Context, name string, params map[string]interface{}) (string, error)
	// Describe renders the available tools for the system prompt.
	Describe() string
}

// Services are the injected collaborators of an Engine. Model and Executor
// are required; the rest are optional and skipped when nil.
type Services struct {
	Model    ChatStreamer
	Executor ToolExecutor
	Detector *loopdetect.Detector
	Lessons  *lessons.Store
	Broker   *events.Broker
	Recorder *memory.SessionRecorder
	Logger   *zap.Logger
}

// Config bounds one agent run.
type Config struct {
	// MaxIterations caps the loop. Non-positive falls back to the agent
	// profile's budget.
	MaxIterations int
	// Backend names the llm backend the agent talks to ("cloud", "local").
	Backend string
	// ModelID overrides the backend's default model.
	ModelID string
}

// failure remembers the most recent tool failure so a following success can
// be recorded as its fix.
type failure struct {
	errText string
	at      time.Time
}

// Engine drives one agent's think-act-observe loop.
type Engine struct {
	cfg     Config
	svc     Services
	profile Profile
	logger  *zap.Logger
	working *memory.Working

	mu          sync.Mutex
	agent       Agent
	active      bool
	cancel      context.CancelFunc
	done        chan struct{}
	result      Result
	finished    bool
	resume      chan string
	noProgress  int
	malformed   bool
	lastFailure *failure
	now         func() time.Time
}

// New creates an Engine for one task. The agent starts idle; call Start to
// run the loop.
func New(agentType, task string, cfg Config, svc Services) *Engine {
	profile := ProfileFor(agentType)
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = profile.MaxIterations
	}
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.Detector == nil {
		svc.Detector = loopdetect.NewDetector(loopdetect.DefaultConfig())
	}

	id := uuid.New().String()
	e := &Engine{
		cfg:     cfg,
		svc:     svc,
		profile: profile,
		logger:  svc.Logger.Named("engine").With(zap.String("agent_id", id)),
		working: memory.NewWorking(0, 0),
		done:    make(chan struct{}),
		resume:  make(chan string, 1),
		now:     time.Now,
	}
	e.agent = Agent{
		ID:            id,
		AgentType:     profile.Type,
		Status:        StatusIdle,
		Task:          task,
		ModelID:       cfg.ModelID,
		MaxIterations: cfg.MaxIterations,
	}
	e.agent.MessageHistory = []llm.Message{
		llm.SystemMessage(BuildSystemPrompt(profile, svc.Executor.Describe())),
		llm.UserMessage(task),
	}
	e.working.AddContext("task: " + task)
	return e
}

// ID returns the agent id.
func (e *Engine) ID() string { return e.agent.ID }

// Status returns the agent's current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.Status
}

// Snapshot returns a copy of the agent's state.
func (e *Engine) Snapshot() Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyAgent(e.agent)
}

// Done is closed when the agent reaches a terminal status.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Result returns the terminal outcome. ok is false while the agent is
// still running or waiting.
func (e *Engine) Result() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.finished
}

// Wait blocks until the agent reaches a terminal status or ctx expires.
func (e *Engine) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.done:
		res, _ := e.Result()
		return res, nil
	}
}

// Start launches the loop goroutine. Starting an agent whose loop is
// already active, or one that already terminated, is a silent no-op so
// overlapping resume calls cannot race a duplicate loop into existence.
// It reports whether this call actually started the loop.
func (e *Engine) Start(ctx context.Context) bool {
	e.mu.Lock()
	if e.active || e.agent.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.active = true
	e.agent.StartedAt = e.now()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.setStatus(StatusRunning)
	if e.svc.Recorder != nil {
		e.svc.Recorder.StartAgent(e.agent.ID, e.agent.AgentType, e.agent.Task)
	}
	go e.run(runCtx)
	return true
}

// Stop requests cooperative cancellation. The loop observes it at the next
// suspension point and terminates with stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume delivers a user message to an agent in waiting_user, moving it
// back to running. This is the state machine's only re-entrant transition.
func (e *Engine) Resume(message string) error {
	e.mu.Lock()
	waiting := e.agent.Status == StatusWaitingUser
	e.mu.Unlock()
	if !waiting {
		return ErrNotWaiting
	}
	select {
	case e.resume <- message:
		return nil
	default:
		return ErrNotWaiting
	}
}

// run executes the loop and records the terminal result.
func (e *Engine) run(ctx context.Context) {
	status, summary, err := e.loop(ctx)
	e.finish(status, summary, err)
}

// finish applies the terminal transition exactly once.
func (e *Engine) finish(status Status, summary string, err error) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.active = false
	end := e.now()
	e.agent.EndedAt = &end
	e.result = Result{AgentID: e.agent.ID, Status: status, Summary: summary, Err: err}
	cancel := e.cancel
	e.mu.Unlock()

	e.setStatus(status)
	if e.svc.Recorder != nil {
		e.svc.Recorder.FinishAgent(e.agent.ID, string(status))
	}
	e.svc.Detector.Forget(e.agent.ID)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		e.logger.Info("agent finished", zap.String("status", string(status)), zap.Error(err))
	} else {
		e.logger.Info("agent finished", zap.String("status", string(status)))
	}
	close(e.done)
}

// loop is the per-iteration body from the state machine: stream a model
// turn, parse it, execute at most one tool call, check for stuck loops,
// feed the result back, repeat.
func (e *Engine) loop(ctx context.Context) (Status, string, error) {
	for {
		if ctx.Err() != nil {
			return StatusStopped, "stopped by cancellation", nil
		}

		e.mu.Lock()
		if e.agent.IterationCount >= e.agent.MaxIterations {
			budget := e.agent.MaxIterations
			e.mu.Unlock()
			err := &MaxIterationsError{Iterations: budget}
			return StatusError, err.Error(), err
		}
		e.agent.IterationCount++
		iteration := e.agent.IterationCount
		messages := append([]llm.Message(nil), e.agent.MessageHistory...)
		e.mu.Unlock()

		text, streamErr := e.streamTurn(ctx, messages)
		if streamErr != nil {
			if ctx.Err() != nil {
				return StatusStopped, "stopped by cancellation", nil
			}
			// Provider failures are immediately fatal for the run; retry
			// policy belongs to the orchestration layer.
			return StatusError, fmt.Sprintf("model provider failed: %v", streamErr), streamErr
		}

		e.appendMessage(llm.AssistantMessage(text))
		parsed := toolcall.Parse(text)
		e.logger.Debug("model turn",
			zap.Int("iteration", iteration),
			zap.Int("calls", len(parsed.Calls)),
			zap.Int("invalid", len(parsed.Invalid)))

		if !parsed.HasCalls() {
			if status, summary, err, terminal := e.handleCallFreeTurn(text, parsed.Invalid); terminal {
				return status, summary, err
			}
			continue
		}

		// First call wins: agents are prompted to emit exactly one block,
		// so additional calls in the same turn are deliberately ignored.
		call := parsed.First()
		e.mu.Lock()
		e.noProgress = 0
		e.mu.Unlock()

		switch call.Name {
		case toolcall.NameTaskComplete:
			summary, _ := call.StringParam("summary")
			if summary == "" {
				summary = "task completed"
			}
			return StatusCompleted, summary, nil
		case toolcall.NameAskUser:
			question, _ := call.StringParam("question")
			if cont := e.waitForUser(ctx, question); !cont {
				return StatusStopped, "stopped while waiting for user input", nil
			}
			continue
		}

		feedback := e.executeCall(ctx, call)

		if verdict := e.svc.Detector.DetectLoop(e.agent.ID); verdict.IsStuck {
			err := &LoopDetectedError{
				Reason:     verdict.Reason,
				Evidence:   verdict.Evidence,
				Suggestion: verdict.Suggestion,
			}
			if e.svc.Broker != nil {
				e.svc.Broker.LoopDetected(e.agent.ID, verdict.Reason, verdict.Suggestion)
			}
			return StatusError, err.Error(), err
		}

		e.appendMessage(llm.UserMessage(feedback))
	}
}

// handleCallFreeTurn applies the 3-strike policy to turns without a usable
// tool call. terminal is true when the run should end.
func (e *Engine) handleCallFreeTurn(text string, invalid []string) (Status, string, error, bool) {
	if len(invalid) == 0 && strings.Contains(text, CompletionMarker) {
		summary := strings.TrimSpace(strings.ReplaceAll(text, CompletionMarker, ""))
		if summary == "" {
			summary = "task completed"
		}
		return StatusCompleted, summary, nil, true
	}

	e.mu.Lock()
	e.noProgress++
	e.malformed = len(invalid) > 0
	strikes := e.noProgress
	malformed := e.malformed
	e.mu.Unlock()

	if strikes >= noProgressLimit {
		err := &NoProgressError{Strikes: strikes, Malformed: malformed}
		return StatusError, err.Error(), err, true
	}

	if malformed {
		e.working.AddContext("corrective: malformed tool block")
		e.appendMessage(llm.UserMessage(malformedCorrective(invalid)))
	} else {
		e.working.AddContext("corrective: no tool call, no completion")
		e.appendMessage(llm.UserMessage(noCallCorrective()))
	}
	return StatusRunning, "", nil, false
}

// executeCall dispatches one tool call and returns the feedback message for
// the next model turn. Tool failures are never fatal by themselves; they
// are surfaced as text, paired with a learned fix when one is relevant.
func (e *Engine) executeCall(ctx context.Context, call toolcall.ToolCall) string {
	start := e.now()
	output, execErr := e.svc.Executor.Execute(ctx, call.Name, call.Params)
	elapsed := e.now().Sub(start)

	record := ToolRecord{
		ToolName: call.Name,
		Params:   call.Params,
		Result:   output,
		Success:  execErr == nil,
		At:       start,
	}
	if execErr != nil {
		record.Result = execErr.Error()
	}
	e.mu.Lock()
	e.agent.ToolHistory = append(e.agent.ToolHistory, record)
	e.mu.Unlock()

	e.working.AddAction(memory.Action{Tool: call.Name, Summary: record.Result, At: start})
	e.svc.Detector.RecordToolExecution(e.agent.ID, loopdetect.Execution{
		ToolName: call.Name,
		Params:   call.Params,
	})
	if e.svc.Broker != nil {
		e.svc.Broker.ToolExecuted(e.agent.ID, call.Name, execErr == nil, elapsed)
	}

	if execErr != nil {
		return e.toolFailureFeedback(call, execErr)
	}
	e.noteSuccessAfterFailure(call)
	if call.Name == "write_file" && e.svc.Recorder != nil {
		if path, ok := call.StringParam("path"); ok {
			e.svc.Recorder.AddArtifact(path)
		}
	}
	if output == "" {
		return fmt.Sprintf("Tool %s succeeded with no output.", call.Name)
	}
	return output
}

// toolFailureFeedback records the failure and builds the model feedback,
// injecting relevant lessons when the store knows a proven fix.
func (e *Engine) toolFailureFeedback(call toolcall.ToolCall, execErr error) string {
	errText := execErr.Error()
	e.svc.Detector.RecordError(e.agent.ID, errText)
	e.mu.Lock()
	e.lastFailure = &failure{errText: errText, at: e.now()}
	e.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool %s failed: %s", call.Name, errText)

	if e.svc.Lessons != nil {
		if found := e.svc.Lessons.FindRelevant(errText, lessonLimit); len(found) > 0 {
			sb.WriteString("\n\nFixes that worked for similar errors before:")
			for _, l := range found {
				fmt.Fprintf(&sb, "\n- %s (worked %d times)", l.FixDescription, l.SuccessCount)
			}
		}
	}
	sb.WriteString("\n\nAdjust your approach and continue.")
	return sb.String()
}

// noteSuccessAfterFailure records a lesson when a success follows a recent
// failure: the successful call is remembered as the fix for that error.
func (e *Engine) noteSuccessAfterFailure(call toolcall.ToolCall) {
	e.mu.Lock()
	last := e.lastFailure
	e.lastFailure = nil
	now := e.now()
	task := e.agent.Task
	e.mu.Unlock()

	if last == nil || e.svc.Lessons == nil || now.Sub(last.at) > lessonWindow {
		return
	}
	fix := describeFix(call)
	lesson := e.svc.Lessons.RecordFix(last.errText, task, fix, fix)
	if e.svc.Broker != nil {
		e.svc.Broker.LessonRecorded(e.agent.ID, lesson.ErrorPattern)
	}
	e.logger.Debug("lesson recorded", zap.String("pattern", lesson.ErrorPattern))
}

// waitForUser parks the agent in waiting_user until Resume delivers a
// message or the run is cancelled. Returns true when the loop continues.
func (e *Engine) waitForUser(ctx context.Context, question string) bool {
	if question != "" {
		if e.svc.Broker != nil {
			e.svc.Broker.AgentOutput(e.agent.ID, question)
		}
		if e.svc.Recorder != nil {
			e.svc.Recorder.AddMessage(e.agent.ID, "assistant", question)
		}
	}
	e.setStatus(StatusWaitingUser)
	if e.svc.Recorder != nil {
		e.svc.Recorder.SetAgentStatus(e.agent.ID, string(StatusWaitingUser))
	}

	select {
	case <-ctx.Done():
		return false
	case msg := <-e.resume:
		e.setStatus(StatusRunning)
		if e.svc.Recorder != nil {
			e.svc.Recorder.SetAgentStatus(e.agent.ID, string(StatusRunning))
		}
		e.appendMessage(llm.UserMessage(msg))
		e.mu.Lock()
		e.noProgress = 0
		e.mu.Unlock()
		return true
	}
}

// streamTurn streams one model response and assembles the full turn.
// Cancellation is checked between chunks; whatever already arrived is kept.
func (e *Engine) streamTurn(ctx context.Context, messages []llm.Message) (string, error) {
	req := llm.Request{
		Backend:  e.cfg.Backend,
		Model:    e.cfg.ModelID,
		Messages: messages,
	}
	stream, err := e.svc.Model.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return text.String(), &llm.AbortError{ClientError: llm.ClientError{
				Message: "stream cancelled",
				Cause:   ctx.Err(),
			}}
		case ev, ok := <-stream:
			if !ok {
				return text.String(), &llm.NetworkError{ClientError: llm.ClientError{
					Message: "stream closed without a terminal event",
				}}
			}
			switch ev.Type {
			case llm.StreamDelta:
				text.WriteString(ev.Delta)
				if e.svc.Broker != nil {
					e.svc.Broker.AgentOutput(e.agent.ID, ev.Delta)
				}
				if e.svc.Recorder != nil {
					e.svc.Recorder.AgentOutput(e.agent.ID, ev.Delta)
				}
			case llm.StreamFinish:
				return text.String(), nil
			case llm.StreamError:
				return text.String(), ev.Err
			}
		}
	}
}

// appendMessage appends to the agent's append-only conversation history.
func (e *Engine) appendMessage(msg llm.Message) {
	e.mu.Lock()
	e.agent.MessageHistory = append(e.agent.MessageHistory, msg)
	e.mu.Unlock()
	if e.svc.Recorder != nil {
		e.svc.Recorder.AddMessage(e.agent.ID, string(msg.Role), msg.Content)
	}
}

// setStatus applies a status transition and publishes it.
func (e *Engine) setStatus(to Status) {
	e.mu.Lock()
	from := e.agent.Status
	e.agent.Status = to
	e.mu.Unlock()
	if from != to && e.svc.Broker != nil {
		e.svc.Broker.AgentStatusChanged(e.agent.ID, string(from), string(to))
	}
}

// describeFix renders a successful call as a reusable fix description.
func describeFix(call toolcall.ToolCall) string {
	if len(call.Params) == 0 {
		return call.Name
	}
	parts := make([]string, 0, len(call.Params))
	for _, key := range []string{"path", "command", "pattern", "code"} {
		if v, ok := call.StringParam(key); ok {
			if len(v) > 80 {
				v = v[:80] + "..."
			}
			parts = append(parts, fmt.Sprintf("%s=%q", key, v))
		}
	}
	if len(parts) == 0 {
		return call.Name
	}
	return fmt.Sprintf("%s with %s", call.Name, strings.Join(parts, " "))
}

// noCallCorrective nudges a model that produced neither a tool call nor a
// completion signal.
func noCallCorrective() string {
	return "Your response contained no tool call and no completion signal. " +
		"Emit exactly one fenced `tool` block with the next action, or call " +
		toolcall.NameTaskComplete + " with a summary if the task is done."
}

// malformedCorrective echoes the unparseable blocks back to the model.
func malformedCorrective(invalid []string) string {
	var sb strings.Builder
	sb.WriteString("Your tool call could not be parsed as JSON. The block must contain ")
	sb.WriteString(`a single object like {"name": "tool_name", "params": {...}}.`)
	sb.WriteString("\n\nUnparseable content:")
	for _, preview := range invalid {
		sb.WriteString("\n---\n")
		sb.WriteString(preview)
	}
	sb.WriteString("\n\nResend the call as valid JSON.")
	return sb.String()
}
