package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/martinemde/conductor/config"
	"github.com/martinemde/conductor/engine"
	"github.com/martinemde/conductor/events"
	"github.com/martinemde/conductor/lessons"
	"github.com/martinemde/conductor/llm"
	"github.com/martinemde/conductor/loopdetect"
	"github.com/martinemde/conductor/memory"
	"github.com/martinemde/conductor/orchestrator"
	"github.com/martinemde/conductor/router"
	"github.com/martinemde/conductor/toolexec"
)

// app owns the wired component graph for one invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   *llm.Client
	broker   *events.Broker
	lessons  *lessons.Store
	semantic *memory.SemanticStore
	recorder *memory.SessionRecorder
	manager  *engine.Manager
	orch     *orchestrator.Orchestrator
}

// buildApp constructs every component and injects it where it belongs.
// Nothing here is a package-level singleton; the app instance is the only
// owner.
func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	client := llm.NewClient(llm.WithLogger(logger))
	if cfg.Cloud.Enabled {
		cloud, err := llm.NewGollmBackend(cfg.Cloud.Provider,
			llm.WithAPIKey(cfg.Cloud.APIKey),
			llm.WithModel(cfg.Cloud.ModelID))
		if err != nil {
			return nil, fmt.Errorf("cloud backend: %w", err)
		}
		client.RegisterBackend(llm.BackendCloud, cloud)
	}
	if cfg.Local.Enabled {
		client.RegisterBackend(llm.BackendLocal, llm.NewOpenAICompatBackend(llm.OpenAICompatConfig{
			BaseURL: cfg.Local.BaseURL,
			APIKey:  cfg.Local.APIKey,
			Model:   cfg.Local.ModelID,
		}))
	}

	broker := events.NewBroker(256)

	lessonStore := lessons.NewStore(lessons.DefaultConfig(cfg.DataDir), logger)
	if err := lessonStore.Load(); err != nil {
		logger.Warn("loading lessons failed", zap.Error(err))
	}
	semantic, err := memory.NewSemanticStore(memory.DefaultSemanticConfig(cfg.DataDir), logger)
	if err != nil {
		return nil, fmt.Errorf("semantic store: %w", err)
	}
	recorder := memory.NewSessionRecorder(memory.DefaultRecorderConfig(cfg.DataDir), logger)

	env, err := toolexec.NewLocalEnvironment(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	registry := toolexec.NewRegistry(toolexec.Config{ToolTimeout: cfg.ToolTimeout()}, logger)
	toolexec.RegisterCoreTools(registry, cfg.ToolTimeout(), 10*cfg.ToolTimeout())

	taskRouter := router.NewRouter(router.Config{
		HeavyTokenThreshold:   cfg.HeavyTokenThreshold,
		CloudRateLimitPerHour: cfg.CloudRateLimitPerHour,
		PreferLocal:           cfg.PreferLocal,
		LocalAvailable:        cfg.Local.Enabled,
	}, nil, logger)

	manager := engine.NewManager(engine.ManagerConfig{
		MaxIterations: cfg.MaxIterations,
		CloudModelID:  cfg.Cloud.ModelID,
		LocalModelID:  cfg.Local.ModelID,
	}, engine.Services{
		Model:    client,
		Executor: toolexec.NewBinding(registry, env),
		Detector: loopdetect.NewDetector(loopdetect.DefaultConfig()),
		Lessons:  lessonStore,
		Broker:   broker,
		Recorder: recorder,
		Logger:   logger,
	}, taskRouter)

	orch := orchestrator.New(orchestrator.Config{
		MaxSteps:    cfg.OrchestratorMaxIterations,
		PlanModelID: cfg.Cloud.ModelID,
	}, client, manager, broker, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		broker:   broker,
		lessons:  lessonStore,
		semantic: semantic,
		recorder: recorder,
		manager:  manager,
		orch:     orch,
	}, nil
}

// close disposes bottom-up: engines first, then the services they borrow.
func (a *app) close() {
	a.manager.CloseAll()
	if err := a.recorder.End(); err != nil {
		a.logger.Warn("session write failed", zap.Error(err))
	}
	if err := a.lessons.Close(); err != nil {
		a.logger.Warn("lesson flush failed", zap.Error(err))
	}
	if err := a.semantic.Close(); err != nil {
		a.logger.Warn("semantic store close failed", zap.Error(err))
	}
	a.broker.Close()
	if err := a.client.Close(); err != nil {
		a.logger.Warn("backend close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
