package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/conductor/llm"
	"github.com/martinemde/conductor/router"
)

// ManagerConfig controls how spawned agents are provisioned.
type ManagerConfig struct {
	// MaxIterations caps each spawned agent's loop. Non-positive uses the
	// agent profile's budget.
	MaxIterations int
	// CloudModelID and LocalModelID name the model used on each target.
	// Empty uses the backend's default model.
	CloudModelID string
	LocalModelID string
}

// Manager spawns and tracks agent engines. It is the Agent Manager
// collaborator the orchestrator delegates plan steps through: each spawn
// classifies the task with the router, picks a backend, and launches one
// engine goroutine.
type Manager struct {
	cfg    ManagerConfig
	svc    Services
	router *router.Router
	logger *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
	closed  bool
}

// NewManager creates a Manager. A nil router sends every agent to the
// client's default backend.
func NewManager(cfg ManagerConfig, svc Services, r *router.Router) *Manager {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		svc:     svc,
		router:  r,
		logger:  svc.Logger.Named("manager"),
		engines: make(map[string]*Engine),
	}
}

// Spawn creates an agent of the given type for the task, routes it to a
// backend, and starts its loop. Returns the new agent's id.
func (m *Manager) Spawn(ctx context.Context, agentType, task string) (string, error) {
	cfg := Config{MaxIterations: m.cfg.MaxIterations}
	if m.router != nil {
		cls := m.router.Classify(task, "")
		target := m.router.DecideTarget(cls, "")
		cfg.Backend = string(target)
		switch target {
		case router.TargetLocal:
			cfg.ModelID = m.cfg.LocalModelID
		default:
			cfg.ModelID = m.cfg.CloudModelID
		}
		m.logger.Debug("task routed",
			zap.String("type", string(cls.Type)),
			zap.Float64("confidence", cls.Confidence),
			zap.String("target", string(target)))
	} else {
		cfg.Backend = llm.BackendCloud
		cfg.ModelID = m.cfg.CloudModelID
	}

	eng := New(agentType, task, cfg, m.svc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", context.Canceled
	}
	m.engines[eng.ID()] = eng
	m.mu.Unlock()

	eng.Start(ctx)
	m.logger.Info("agent spawned",
		zap.String("agent_id", eng.ID()),
		zap.String("agent_type", eng.Snapshot().AgentType),
		zap.String("backend", cfg.Backend))
	return eng.ID(), nil
}

// Get returns the engine for an agent id.
func (m *Manager) Get(id string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return eng, nil
}

// Wait blocks until the agent reaches a terminal status or ctx expires.
func (m *Manager) Wait(ctx context.Context, id string) (Result, error) {
	eng, err := m.Get(id)
	if err != nil {
		return Result{}, err
	}
	return eng.Wait(ctx)
}

// Resume delivers a user message to an agent in waiting_user.
func (m *Manager) Resume(id, message string) error {
	eng, err := m.Get(id)
	if err != nil {
		return err
	}
	return eng.Resume(message)
}

// Stop requests cancellation of one agent's loop.
func (m *Manager) Stop(id string) error {
	eng, err := m.Get(id)
	if err != nil {
		return err
	}
	eng.Stop()
	return nil
}

// Agents returns snapshots of every tracked agent.
func (m *Manager) Agents() []Agent {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()

	out := make([]Agent, len(engines))
	for i, eng := range engines {
		out[i] = eng.Snapshot()
	}
	return out
}

// CloseAll stops every active agent and waits briefly for the loops to
// drain. Engines dispose before the services they borrow, so the owner
// can close stores and backends right after this returns.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()

	for _, eng := range engines {
		eng.Stop()
	}
	deadline := time.After(2 * time.Second)
	for _, eng := range engines {
		if !eng.Status().Terminal() && eng.Status() != StatusIdle {
			select {
			case <-eng.Done():
			case <-deadline:
				return
			}
		}
	}
}
