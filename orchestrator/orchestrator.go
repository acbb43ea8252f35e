// Package orchestrator decomposes a user request into a dependency-ordered
// plan of sub-tasks and delegates each step to an agent of the right
// specialty. Plans come from a planning model with a keyword fallback, so
// plan creation never yields no plan; execution walks the step graph in
// topological waves, runs ready steps concurrently, and never starts the
// dependents of a failed step.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/conductor/engine"
	"github.com/martinemde/conductor/events"
	"github.com/martinemde/conductor/llm"
)

// Completer is the planning-model surface. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// AgentManager is the collaborator that runs agents for plan steps.
// engine.Manager satisfies it.
type AgentManager interface {
	Spawn(ctx context.Context, agentType, instruction string) (string, error)
	Wait(ctx context.Context, agentID string) (engine.Result, error)
}

// AgentResult records the outcome of one executed plan step.
type AgentResult struct {
	StepID  string
	AgentID string
	Status  engine.Status
	Summary string
}

// Succeeded reports whether the step's agent completed.
func (r AgentResult) Succeeded() bool { return r.Status == engine.StatusCompleted }

// Config controls planning and execution.
type Config struct {
	// MaxSteps caps the total steps dispatched in one plan execution,
	// guarding against degenerate plans.
	MaxSteps int
	// Concurrency bounds how many ready steps of one wave run at once.
	Concurrency int
	// PlanBackend and PlanModelID select the planning model. Empty uses
	// the client's default backend and model.
	PlanBackend string
	PlanModelID string
}

// DefaultConfig returns the standard orchestrator settings.
func DefaultConfig() Config {
	return Config{
		MaxSteps:    10,
		Concurrency: 3,
	}
}

// Orchestrator creates plans and drives their execution through an agent
// manager.
type Orchestrator struct {
	cfg     Config
	planner Completer
	manager AgentManager
	broker  *events.Broker
	logger  *zap.Logger
}

// New creates an Orchestrator. broker may be nil.
func New(cfg Config, planner Completer, manager AgentManager, broker *events.Broker, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		planner: planner,
		manager: manager,
		broker:  broker,
		logger:  logger.Named("orchestrator"),
	}
}

// CreatePlan asks the planning model to decompose the request. Provider
// failures and unusable output both fall back to a single-step plan with
// the agent type inferred from the request text; a plan is always returned.
func (o *Orchestrator) CreatePlan(ctx context.Context, request string) *TaskPlan {
	resp, err := o.planner.Complete(ctx, llm.Request{
		Backend:  o.cfg.PlanBackend,
		Model:    o.cfg.PlanModelID,
		Messages: []llm.Message{llm.UserMessage(planPrompt(request))},
	})
	if err != nil {
		o.logger.Warn("planning model failed, using fallback plan", zap.Error(err))
		return fallbackPlan(request)
	}

	plan, err := parsePlan(resp.Text)
	if err != nil {
		o.logger.Warn("planning output unusable, using fallback plan",
			zap.Error(err), zap.Int("output_len", len(resp.Text)))
		return fallbackPlan(request)
	}
	o.logger.Info("plan created",
		zap.String("summary", plan.Summary),
		zap.Int("steps", len(plan.Steps)),
		zap.String("complexity", string(plan.Complexity)))
	return plan
}

// ExecutePlan runs the plan's steps in topological order: each wave holds
// the steps whose dependencies all completed in earlier waves, and steps
// within a wave run concurrently. Dependents of a failed step are never
// started; when complexity is above simple, a failure also stops the
// remaining waves outright. Returns the results of every dispatched step
// in step-id order.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *TaskPlan) ([]AgentResult, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	if err := validateAcyclic(plan.Steps); err != nil {
		return nil, err
	}

	var (
		mu         sync.Mutex
		results    = make(map[string]AgentResult, len(plan.Steps))
		failed     = make(map[string]struct{})
		dispatched int
	)

	var execErr error
	for _, wave := range topoWaves(plan.Steps) {
		skip := transitiveDependents(plan.Steps, failed)

		eg, waveCtx := errgroup.WithContext(ctx)
		eg.SetLimit(o.cfg.Concurrency)
		for _, step := range wave {
			if _, skipped := skip[step.ID]; skipped {
				o.logger.Info("step skipped, dependency failed", zap.String("step", step.ID))
				continue
			}
			if dispatched >= o.cfg.MaxSteps {
				execErr = fmt.Errorf("step budget exhausted after %d steps", dispatched)
				break
			}
			dispatched++
			step := step
			eg.Go(func() error {
				res := o.runStep(waveCtx, step)
				mu.Lock()
				results[step.ID] = res
				if !res.Succeeded() {
					failed[step.ID] = struct{}{}
				}
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil && execErr == nil {
			execErr = err
		}
		if execErr != nil {
			break
		}
		if ctx.Err() != nil {
			execErr = ctx.Err()
			break
		}
		if len(failed) > 0 && plan.Complexity != ComplexitySimple {
			o.logger.Info("stopping early after step failure",
				zap.Int("failed", len(failed)),
				zap.String("complexity", string(plan.Complexity)))
			break
		}
	}

	out := make([]AgentResult, 0, len(results))
	for _, res := range results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })

	succeeded := 0
	for _, r := range out {
		if r.Succeeded() {
			succeeded++
		}
	}
	o.logger.Info("plan finished",
		zap.Int("dispatched", len(out)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(out)-succeeded))
	return out, execErr
}

// Run is the end-to-end entry point: plan the request, then execute it.
func (o *Orchestrator) Run(ctx context.Context, request string) (*TaskPlan, []AgentResult, error) {
	plan := o.CreatePlan(ctx, request)
	results, err := o.ExecutePlan(ctx, plan)
	return plan, results, err
}

// runStep spawns one agent for a step and waits for its terminal status.
func (o *Orchestrator) runStep(ctx context.Context, step TaskStep) AgentResult {
	if o.broker != nil {
		o.broker.StepStarted(step.ID, "", step.Description)
	}
	o.logger.Info("step started",
		zap.String("step", step.ID),
		zap.String("agent_type", step.AgentType))

	agentID, err := o.manager.Spawn(ctx, step.AgentType, step.Instruction)
	if err != nil {
		res := AgentResult{
			StepID:  step.ID,
			Status:  engine.StatusError,
			Summary: fmt.Sprintf("spawn failed: %v", err),
		}
		o.finishStep(step, res)
		return res
	}

	agentRes, err := o.manager.Wait(ctx, agentID)
	if err != nil {
		res := AgentResult{
			StepID:  step.ID,
			AgentID: agentID,
			Status:  engine.StatusError,
			Summary: fmt.Sprintf("wait failed: %v", err),
		}
		o.finishStep(step, res)
		return res
	}

	res := AgentResult{
		StepID:  step.ID,
		AgentID: agentID,
		Status:  agentRes.Status,
		Summary: agentRes.Summary,
	}
	o.finishStep(step, res)
	return res
}

func (o *Orchestrator) finishStep(step TaskStep, res AgentResult) {
	if o.broker != nil {
		o.broker.StepFinished(step.ID, res.AgentID, res.Succeeded())
	}
	o.logger.Info("step finished",
		zap.String("step", step.ID),
		zap.String("status", string(res.Status)))
}
