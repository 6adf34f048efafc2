package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rendis/playbook/internal/actions"
	"github.com/rendis/playbook/internal/archive"
	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/scheduler"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

// app is the fully wired engine.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.SQLStore
	registry  *actions.Registry
	validator *validation.PlaybookValidator
	hub       *streaming.MemoryHub
	catalog   *engine.Catalog
	orch      engine.Orchestrator
	scheduler *scheduler.Scheduler
}

func newLogger(cfg Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat == "json")
}

// newRegistry registers the built-in handlers. tasks may be nil for offline
// validation, in which case task_creation is still known to the validator.
func newRegistry(cfg Config, tasks actions.TaskCreator) (*actions.Registry, error) {
	params, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = offlineTasks{}
	}
	reg := actions.NewRegistry(params)
	err = actions.RegisterBuiltins(reg, actions.BuiltinConfig{
		HTTP: actions.HTTPConfig{
			DefaultTimeout:  cfg.HTTPTimeout.Duration,
			NotificationURL: cfg.NotificationURL,
		},
		Tasks: tasks,
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// offlineTasks lets validate know about task_creation without a database.
type offlineTasks struct{}

func (offlineTasks) CreateTask(context.Context, *store.Task) (*store.Task, bool, error) {
	return nil, false, schema.NewError(schema.ErrCodeHandlerUnavailable, "no task store configured")
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg)

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, hub: streaming.NewMemoryHub(0)}

	if a.registry, err = newRegistry(cfg, st); err != nil {
		_ = st.Close()
		return nil, err
	}
	a.validator, err = validation.NewPlaybookValidator(a.registry, validation.WithMaxRetries(cfg.MaxRetries))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.catalog = engine.NewCatalog(st, a.validator, a.hub, logger)

	var archiver engine.Archiver
	if cfg.Archive.Enabled() {
		arch, archErr := archive.Open(ctx, cfg.Archive, logger)
		if archErr != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open archive: %w", archErr)
		}
		archiver = arch
	}

	breaker := engine.NewCircuitBreaker(nil, engine.CircuitBreakerConfig{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow.Duration,
	}, logger)

	a.orch, err = engine.NewOrchestrator(engine.OrchestratorDeps{
		Executions:  st,
		Definitions: st,
		Events:      st,
		Dispatcher:  a.registry,
		Breaker:     breaker,
		Hub:         a.hub,
		Archiver:    archiver,
	}, engine.OrchestratorConfig{
		PoolSize:           cfg.PoolSize,
		ExecutionTimeout:   cfg.ExecutionTimeout.Duration,
		DefaultStepTimeout: cfg.DefaultStepTimeout.Duration,
		Retry:              cfg.retryPolicy(),
		Logger:             logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.scheduler = scheduler.NewScheduler(st, a.orch, logger, scheduler.WithInterval(cfg.SchedulerInterval.Duration))
	return a, nil
}

// Close stops the scheduler, waits for in-flight executions and closes the
// store.
func (a *app) Close() error {
	var errs []error
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.orch.Shutdown()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
