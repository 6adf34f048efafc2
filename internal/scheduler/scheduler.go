// Package scheduler fires cron-scheduled playbook triggers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// DefaultInterval is how often due triggers are checked.
const DefaultInterval = 60 * time.Second

// Last run status values.
const (
	RunStatusTriggered = "triggered"
	RunStatusRejected  = "rejected"
	RunStatusError     = "error"
)

// Triggerer starts executions. Satisfied by engine.Orchestrator.
type Triggerer interface {
	Trigger(ctx context.Context, req engine.TriggerRequest) (string, error)
}

// Scheduler polls the store for due triggers and starts their executions.
type Scheduler struct {
	store    store.TriggerStore
	runner   Triggerer
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.TriggerStore, runner Triggerer, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sch := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Register validates the trigger's cron expression, computes its first run
// and stores it.
func (s *Scheduler) Register(ctx context.Context, trig *store.ScheduledTrigger) error {
	if trig.PlaybookID == "" || trig.CustomerID == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger needs playbook_id and customer_id")
	}
	next, err := s.CalculateNextRun(trig.CronExpression, s.now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	trig.NextRunAt = &next
	if err := s.store.CreateTrigger(ctx, trig); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "trigger registered",
		slog.String("trigger_id", trig.ID),
		slog.String("playbook_id", trig.PlaybookID),
		slog.String("cron", trig.CronExpression),
		slog.Time("next_run_at", next))
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled trigger that is due.
func (s *Scheduler) tick(ctx context.Context) {
	triggers, err := s.store.ListTriggers(ctx, true)
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, trig := range triggers {
		if trig.NextRunAt != nil && trig.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(trig.ID) {
			continue
		}
		if err := s.fire(ctx, trig, now); err != nil {
			s.logger.Error("failed to fire trigger",
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseTrigger(trig.ID)
	}
}

// fire starts one execution and advances the trigger's schedule. A rejected
// trigger (open circuit, inactive playbook) still advances so it is not
// retried every tick.
func (s *Scheduler) fire(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("firing trigger",
		slog.String("trigger_id", trig.ID),
		slog.String("playbook_id", trig.PlaybookID),
		slog.String("customer_id", trig.CustomerID),
	)

	id, err := s.runner.Trigger(ctx, engine.TriggerRequest{
		PlaybookID: trig.PlaybookID,
		CustomerID: trig.CustomerID,
		Context:    trig.Context,
	})
	status := RunStatusTriggered
	switch {
	case err == nil:
	case schema.HasCode(err, schema.ErrCodeCircuitOpen), schema.HasCode(err, schema.ErrCodePlaybookNotActive):
		status = RunStatusRejected
		s.logger.Warn("trigger rejected",
			slog.String("trigger_id", trig.ID),
			slog.String("code", schema.CodeOf(err)),
		)
	default:
		status = RunStatusError
		s.logger.Error("trigger execution failed to start",
			slog.String("trigger_id", trig.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.advance(ctx, trig, now, status, id)
}

func (s *Scheduler) advance(ctx context.Context, trig *store.ScheduledTrigger, now time.Time, status, executionID string) error {
	nextRun, err := s.CalculateNextRun(trig.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trig.ID, err)
	}

	update := store.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: &status,
	}
	if executionID != "" {
		update.LastExecutionID = &executionID
	}
	return s.store.UpdateTrigger(ctx, trig.ID, update)
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires, once, every trigger whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	triggers, err := s.store.ListTriggers(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, trig := range triggers {
		if trig.NextRunAt == nil || !trig.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(trig.ID) {
			continue
		}
		err := s.fire(ctx, trig, now)
		s.releaseTrigger(trig.ID)
		if err != nil {
			s.logger.Error("failed to recover missed trigger",
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
