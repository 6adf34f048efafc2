package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbook/internal/actions"
	"github.com/rendis/playbook/internal/graph"
	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// Orchestrator drives executions from pending to a terminal state.
type Orchestrator interface {
	// Trigger starts an execution of the playbook's active version for a
	// customer and returns its id immediately. The run continues in the
	// background and is polled with Status.
	Trigger(ctx context.Context, req TriggerRequest) (string, error)

	// Execute runs def synchronously and returns the terminal execution.
	// def must be active. An error is returned only when no execution could
	// be created or the run could not be driven at all.
	Execute(ctx context.Context, def *schema.PlaybookDefinition, customerID string, execCtx map[string]any) (*schema.Execution, error)

	// Status returns the latest persisted state of an execution.
	Status(ctx context.Context, executionID string) (*schema.Execution, error)

	// List returns executions matching filter and the total match count.
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, int, error)

	// Cancel aborts a running execution. Unresolved steps are skipped and the
	// execution fails with a CANCELLED entry in its error log.
	Cancel(ctx context.Context, executionID string) error

	// Running returns the number of executions in flight.
	Running() int

	// Shutdown rejects new work and waits for in-flight executions.
	Shutdown()
}

// TriggerRequest is the trigger input of an external evaluator.
type TriggerRequest struct {
	PlaybookID string         `json:"playbook_id"`
	CustomerID string         `json:"customer_id"`
	Context    map[string]any `json:"execution_context,omitempty"`
}

// Dispatcher runs one step attempt. Satisfied by *actions.Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, req actions.Request) (*actions.Result, error)
}

// Archiver stores snapshots of terminal executions.
type Archiver interface {
	Archive(ctx context.Context, exec *schema.Execution) error
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// OrchestratorDeps are the collaborators of an Orchestrator. Executions,
// Definitions and Dispatcher are required.
type OrchestratorDeps struct {
	Executions  store.ExecutionStore
	Definitions store.DefinitionStore
	Events      EventAppender
	Dispatcher  Dispatcher
	Breaker     *CircuitBreaker
	Hub         streaming.EventHub
	Archiver    Archiver
}

// OrchestratorConfig tunes an Orchestrator.
type OrchestratorConfig struct {
	PoolSize           int           // max concurrent step attempts across all executions
	ExecutionTimeout   time.Duration // used when a definition sets no timeout; 0 = none
	DefaultStepTimeout time.Duration // used when a step sets no timeout; 0 = none
	Retry              RetryPolicy
	Logger             *slog.Logger
	Clock              func() time.Time
}

var (
	errExecutionTimeout = errors.New("execution timeout exceeded")
	errCancelRequested  = errors.New("execution cancelled by request")
	errShutdown         = errors.New("orchestrator is shut down")
)

type orchestrator struct {
	deps   OrchestratorDeps
	cfg    OrchestratorConfig
	owner  string
	pool   *WorkerPool
	fsm    *ExecutionFSM
	logger *slog.Logger

	wg sync.WaitGroup

	// mu guards running and closed.
	mu      sync.Mutex
	running map[string]*run
	closed  bool
}

// run is the state of one execution. exec and sched are touched only by the
// goroutine driving the run.
type run struct {
	exec         *schema.Execution
	def          *schema.PlaybookDefinition
	g            *graph.Graph
	sched        *StepScheduler
	stepTimeouts []time.Duration
	execTimeout  time.Duration
	cancel       context.CancelCauseFunc
}

// stepOutcome is what a worker reports back to the run's writer.
type stepOutcome struct {
	index       int
	result      *actions.Result
	err         error
	attempts    int
	aborted     bool
	failures    []schema.ErrorLogEntry
	startedAt   time.Time
	completedAt time.Time
}

// NewOrchestrator creates an Orchestrator with its own worker pool and a
// unique owner id used to guard execution writes.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) (Orchestrator, error) {
	if deps.Executions == nil || deps.Definitions == nil || deps.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires execution store, definition store and dispatcher")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Breaker == nil {
		deps.Breaker = NewCircuitBreaker(NewMemoryCounterStore(cfg.Clock), DefaultCircuitBreakerConfig(), logger)
	}

	o := &orchestrator{
		deps:    deps,
		cfg:     cfg,
		owner:   uuid.NewString(),
		fsm:     NewExecutionFSM(deps.Events, logger),
		logger:  logger,
		running: make(map[string]*run),
	}
	o.pool = NewWorkerPool(cfg.PoolSize, func(v any) {
		logger.Error("worker panic escaped step recovery", slog.Any("panic", v))
	})
	return o, nil
}

func (o *orchestrator) now() time.Time { return o.cfg.Clock().UTC() }

// Trigger implements Orchestrator.
func (o *orchestrator) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	if req.PlaybookID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "playbook_id is required")
	}
	if req.CustomerID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "customer_id is required")
	}
	if err := o.deps.Breaker.Check(ctx, req.PlaybookID); err != nil {
		o.publishCircuitOpen(ctx, req.PlaybookID, err)
		return "", err
	}

	def, err := o.deps.Definitions.GetActivePlaybook(ctx, req.PlaybookID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return "", schema.NewErrorf(schema.ErrCodePlaybookNotActive, "playbook %q has no active version", req.PlaybookID).WithCause(err)
		}
		return "", schema.NewErrorf(schema.ErrCodeStore, "load playbook %q", req.PlaybookID).WithCause(err)
	}

	r, err := o.prepare(ctx, def, req.CustomerID, req.Context)
	if err != nil {
		return "", err
	}
	runCtx, err := o.start(context.WithoutCancel(ctx), r)
	if err != nil {
		return "", err
	}
	go func() {
		defer o.finish(r)
		o.drive(runCtx, r)
	}()
	return r.exec.ID, nil
}

// Execute implements Orchestrator.
func (o *orchestrator) Execute(ctx context.Context, def *schema.PlaybookDefinition, customerID string, execCtx map[string]any) (*schema.Execution, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook definition is nil")
	}
	if customerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "customer_id is required")
	}
	if err := o.deps.Breaker.Check(ctx, def.ID); err != nil {
		o.publishCircuitOpen(ctx, def.ID, err)
		return nil, err
	}

	r, err := o.prepare(ctx, def, customerID, execCtx)
	if err != nil {
		return nil, err
	}
	runCtx, err := o.start(ctx, r)
	if err != nil {
		return nil, err
	}
	defer o.finish(r)
	o.drive(runCtx, r)
	return r.exec.Snapshot(), nil
}

// prepare runs the pre-execution checks and creates the pending execution.
// Nothing is persisted when a check fails.
func (o *orchestrator) prepare(ctx context.Context, def *schema.PlaybookDefinition, customerID string, execCtx map[string]any) (*run, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, schema.NewError(schema.ErrCodeExecution, "orchestrator is shut down")
	}
	if def.Status != schema.PlaybookStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodePlaybookNotActive,
			"playbook %q version %d is %q; only active playbooks can run", def.ID, def.Version, def.Status)
	}
	if err := def.VerifyDigest(); err != nil {
		return nil, err
	}

	// Definitions are immutable once active, but the store is not trusted.
	g, err := graph.Build(def.Steps)
	if err != nil {
		return nil, err
	}

	execTimeout, err := def.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	if execTimeout == 0 {
		execTimeout = o.cfg.ExecutionTimeout
	}
	stepTimeouts := make([]time.Duration, g.Len())
	for i := range stepTimeouts {
		d, err := g.Step(i).TimeoutDuration()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q: %s", g.ID(i), err.Error()).WithCause(err)
		}
		if d == 0 {
			d = o.cfg.DefaultStepTimeout
		}
		stepTimeouts[i] = d
	}

	exec := &schema.Execution{
		PlaybookID:      def.ID,
		PlaybookVersion: def.Version,
		CustomerID:      customerID,
		Owner:           o.owner,
		Status:          schema.ExecutionStatusPending,
		Context:         execCtx,
		Results:         make(map[string]*schema.StepResult, g.Len()),
		ErrorLogs:       []schema.ErrorLogEntry{},
		CompletedSteps:  []string{},
		CreatedAt:       o.now(),
	}
	id, err := o.deps.Executions.CreateExecution(ctx, exec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	exec.ID = id

	r := &run{
		exec:         exec,
		def:          def,
		g:            g,
		sched:        NewStepScheduler(g),
		stepTimeouts: stepTimeouts,
		execTimeout:  execTimeout,
	}
	o.emit(ctx, r, "", schema.EventExecutionCreated, map[string]any{"playbook_version": def.Version})
	return r, nil
}

// start registers r as running and derives its context.
func (o *orchestrator) start(parent context.Context, r *run) (context.Context, error) {
	ctx := logging.WithExecution(parent, r.exec.ID, r.exec.PlaybookID, r.exec.CustomerID)
	ctx, cancel := context.WithCancelCause(ctx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(nil)
		o.failUnstarted(ctx, r)
		return nil, schema.NewError(schema.ErrCodeExecution, "orchestrator is shut down").WithCause(errShutdown)
	}
	r.cancel = cancel
	o.running[r.exec.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()
	return ctx, nil
}

func (o *orchestrator) finish(r *run) {
	r.cancel(nil)
	o.mu.Lock()
	delete(o.running, r.exec.ID)
	o.mu.Unlock()
	o.wg.Done()
}

// failUnstarted drives a created-but-never-started execution to failed so no
// record stays pending forever. Called without o.mu held.
func (o *orchestrator) failUnstarted(ctx context.Context, r *run) {
	pctx := context.WithoutCancel(ctx)
	now := o.now()
	r.exec.StartedAt = &now
	if err := o.fsm.Transition(pctx, r.exec, schema.ExecutionStatusRunning, nil); err != nil {
		return
	}
	o.finalize(pctx, r, schema.NewError(schema.ErrCodeExecution, "orchestrator is shut down").WithCause(errShutdown))
}

// drive is the single writer of r.exec. Workers report through completions;
// every scheduling decision reads results only after applying all
// completions received so far.
func (o *orchestrator) drive(ctx context.Context, r *run) {
	if r.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.execTimeout, errExecutionTimeout)
		defer cancel()
	}
	stepsCtx, cancelSteps := context.WithCancel(ctx)
	defer cancelSteps()

	started := o.now()
	r.exec.StartedAt = &started
	if err := o.fsm.Transition(context.WithoutCancel(ctx), r.exec, schema.ExecutionStatusRunning, nil); err != nil {
		o.logger.ErrorContext(ctx, "execution could not start", slog.Any("error", err))
		return
	}
	running := schema.ExecutionStatusRunning
	o.persist(ctx, r, store.ExecutionUpdate{Status: &running, StartedAt: &started})
	o.publish(ctx, r, "", schema.EventExecutionStarted, nil)
	o.logger.InfoContext(ctx, "execution started",
		slog.Int("steps", r.g.Len()), slog.Duration("timeout", r.execTimeout))

	completions := make(chan stepOutcome, r.g.Len())
	inFlight := 0
	done := ctx.Done()
	var abort error

	for {
		if abort == nil && ctx.Err() != nil {
			abort = abortReason(r, context.Cause(ctx))
			cancelSteps()
		}
		if abort == nil {
			for _, b := range r.sched.Blocked(r.exec.Results) {
				o.skipBlocked(ctx, r, b)
			}
		}
		if len(r.exec.Results) == r.g.Len() {
			break
		}

		if abort == nil {
			for _, id := range r.sched.NextReady(r.exec.Results) {
				n, _ := r.g.Index(id)
				o.emit(ctx, r, id, schema.EventStepStarted, map[string]any{"type": r.g.Step(n).Type})
				err := o.pool.Submit(stepsCtx, func() {
					completions <- o.runStep(stepsCtx, r, n)
				})
				if err != nil {
					if ctx.Err() != nil {
						err = context.Cause(ctx)
					}
					abort = abortReason(r, err)
					cancelSteps()
					break
				}
				inFlight++
			}
		}

		if inFlight == 0 {
			if abort == nil {
				unresolved := r.sched.Unresolved(r.exec.Results)
				abort = schema.NewErrorf(schema.ErrCodeDeadlock,
					"no ready steps while %d remain unresolved", len(unresolved)).
					WithDetails(map[string]any{"unresolved": unresolved})
			}
			break
		}

		select {
		case out := <-completions:
			inFlight--
			o.apply(ctx, r, out)
			step := r.g.Step(out.index)
			if out.err != nil && !out.aborted && step.ErrorHandling.FailFast && abort == nil {
				abort = schema.NewErrorf(schema.ErrCodeStepFailed,
					"step %q failed with fail_fast set; remaining steps skipped", step.ID).WithStep(step.ID)
				cancelSteps()
			}
		case <-done:
			if abort == nil {
				abort = abortReason(r, context.Cause(ctx))
			}
			cancelSteps()
			done = nil
		}
	}

	o.finalize(ctx, r, abort)
}

// runStep executes one step with retries on a pool goroutine.
func (o *orchestrator) runStep(ctx context.Context, r *run, n int) (out stepOutcome) {
	step := r.g.Step(n)
	ctx = logging.WithStepID(ctx, step.ID)
	out.index = n
	out.startedAt = o.now()

	defer func() {
		if rec := recover(); rec != nil {
			out.err = schema.NewErrorf(schema.ErrCodeExecution, "step panicked: %v", rec).WithStep(step.ID)
			out.aborted = false
		}
		out.completedAt = o.now()
	}()

	budget := o.cfg.Retry.Budget(step)
	for attempt := 0; ; attempt++ {
		out.attempts = attempt + 1
		res, err := o.deps.Dispatcher.Dispatch(ctx, actions.Request{
			StepID:      step.ID,
			StepType:    step.Type,
			Parameters:  step.Parameters.Clone(),
			CustomerID:  r.exec.CustomerID,
			ExecutionID: r.exec.ID,
			Timeout:     r.stepTimeouts[n],
		})
		if err == nil {
			out.result = res
			return out
		}
		if ctx.Err() != nil {
			out.err = err
			out.aborted = true
			return out
		}

		out.failures = append(out.failures, schema.ErrorLogEntry{
			StepID:    step.ID,
			Code:      schema.CodeOf(err),
			Error:     err.Error(),
			Attempt:   attempt + 1,
			Timestamp: o.now(),
		})

		if !o.cfg.Retry.ShouldRetry(step, attempt, err) {
			out.err = finalStepError(step, attempt, budget, err)
			return out
		}

		delay := o.cfg.Retry.NextDelay(attempt)
		o.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt+1), slog.Int("budget", budget), slog.Duration("delay", delay), slog.Any("error", err))
		o.publish(ctx, r, step.ID, schema.EventStepRetrying, map[string]any{
			"attempt": attempt + 1, "delay_ms": delay.Milliseconds(), "error": err.Error(),
		})

		if werr := WaitForBackoff(ctx, delay); werr != nil {
			out.err = err
			out.aborted = true
			return out
		}
	}
}

func finalStepError(step *schema.StepDefinition, attempt, budget int, err error) error {
	details := map[string]any{"attempts": attempt + 1, "last_code": schema.CodeOf(err)}
	if budget > 0 && attempt >= budget && IsRetryableError(err) {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %q failed after %d attempts: %s", step.ID, attempt+1, err.Error()).
			WithStep(step.ID).WithCause(err).WithDetails(details)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", step.ID, err.Error()).
		WithStep(step.ID).WithCause(err).WithDetails(details)
}

// apply records a worker outcome.
func (o *orchestrator) apply(ctx context.Context, r *run, out stepOutcome) {
	step := r.g.Step(out.index)
	startedAt := out.startedAt
	res := &schema.StepResult{
		Retries:     out.attempts - 1,
		StartedAt:   &startedAt,
		CompletedAt: out.completedAt,
	}
	if res.Retries < 0 {
		res.Retries = 0
	}
	r.exec.ErrorLogs = append(r.exec.ErrorLogs, out.failures...)

	switch {
	case out.err == nil:
		res.Status = schema.StepStatusCompleted
		if out.result != nil {
			res.Output = out.result.Output
		}
		r.exec.CompletedSteps = append(r.exec.CompletedSteps, step.ID)
		r.exec.Results[step.ID] = res
		o.emit(ctx, r, step.ID, schema.EventStepCompleted, map[string]any{"retries": res.Retries})
		o.logger.InfoContext(ctx, "step completed", slog.String("step_id", step.ID), slog.Int("retries", res.Retries))

	case out.aborted:
		res.Status = schema.StepStatusSkipped
		res.Error = "aborted: " + out.err.Error()
		r.exec.Results[step.ID] = res
		o.emit(ctx, r, step.ID, schema.EventStepSkipped, map[string]any{"reason": res.Error})

	default:
		res.Status = schema.StepStatusFailed
		res.Error = out.err.Error()
		r.exec.Results[step.ID] = res
		r.exec.ErrorLogs = append(r.exec.ErrorLogs, schema.ErrorLogEntry{
			StepID:    step.ID,
			Code:      schema.CodeOf(out.err),
			Error:     out.err.Error(),
			Attempt:   out.attempts,
			Timestamp: out.completedAt,
		})
		o.emit(ctx, r, step.ID, schema.EventStepFailed, map[string]any{
			"error": res.Error, "retries": res.Retries, "fail_fast": step.ErrorHandling.FailFast,
		})
		o.logger.WarnContext(ctx, "step failed",
			slog.String("step_id", step.ID), slog.Int("attempts", out.attempts), slog.Any("error", out.err))
	}

	o.persistProgress(ctx, r)
}

func (o *orchestrator) skipBlocked(ctx context.Context, r *run, b BlockedStep) {
	now := o.now()
	msg := fmt.Sprintf("skipped: dependency %q is %s", b.Dependency, b.DependencyStatus)
	r.exec.Results[b.StepID] = &schema.StepResult{Status: schema.StepStatusSkipped, Error: msg, CompletedAt: now}
	r.exec.ErrorLogs = append(r.exec.ErrorLogs, schema.ErrorLogEntry{StepID: b.StepID, Error: msg, Timestamp: now})
	o.emit(ctx, r, b.StepID, schema.EventStepSkipped, map[string]any{
		"dependency": b.Dependency, "dependency_status": string(b.DependencyStatus),
	})
}

// finalize skips whatever is unresolved, computes metrics, seals the
// execution and feeds the circuit breaker.
func (o *orchestrator) finalize(ctx context.Context, r *run, abort error) {
	pctx := context.WithoutCancel(ctx)
	now := o.now()

	if abort != nil {
		r.exec.ErrorLogs = append(r.exec.ErrorLogs, schema.ErrorLogEntry{
			StepID:    schema.StepOf(abort),
			Code:      schema.CodeOf(abort),
			Error:     abort.Error(),
			Timestamp: now,
		})
		for _, id := range r.sched.Unresolved(r.exec.Results) {
			r.exec.Results[id] = &schema.StepResult{
				Status:      schema.StepStatusSkipped,
				Error:       "not run: " + abort.Error(),
				CompletedAt: now,
			}
			o.emit(pctx, r, id, schema.EventStepSkipped, map[string]any{"reason": schema.CodeOf(abort)})
		}
	}

	status := schema.ExecutionStatusCompleted
	if abort != nil {
		status = schema.ExecutionStatusFailed
	}
	for _, res := range r.exec.Results {
		if res.Status == schema.StepStatusFailed {
			status = schema.ExecutionStatusFailed
		}
	}

	var duration time.Duration
	if r.exec.StartedAt != nil {
		duration = now.Sub(*r.exec.StartedAt)
	}
	r.exec.Metrics = schema.ComputeMetrics(r.exec.Results, r.g.Len(), duration)
	r.exec.CompletedAt = &now

	if err := o.fsm.Transition(pctx, r.exec, status, r.exec.Metrics); err != nil {
		o.logger.ErrorContext(pctx, "execution transition rejected", slog.Any("error", err))
	}
	metrics := r.exec.Metrics
	o.persist(pctx, r, store.ExecutionUpdate{
		Status:         &status,
		Results:        r.exec.Results,
		ErrorLogs:      r.exec.ErrorLogs,
		Metrics:        &metrics,
		CompletedSteps: r.exec.CompletedSteps,
		CompletedAt:    &now,
	})

	switch {
	case errors.Is(abort, errShutdown) || errors.Is(abort, ErrPoolShutdown):
		// The playbook did not fail; the process is stopping.
	case status == schema.ExecutionStatusFailed:
		if o.deps.Breaker.RecordFailure(pctx, r.exec.PlaybookID) == CircuitOpen {
			o.emit(pctx, r, "", schema.EventCircuitOpen, map[string]any{"playbook_id": r.exec.PlaybookID})
		}
	default:
		o.deps.Breaker.RecordSuccess(pctx, r.exec.PlaybookID)
	}

	eventType := schema.EventExecutionCompleted
	if status == schema.ExecutionStatusFailed {
		eventType = schema.EventExecutionFailed
		if schema.HasCode(abort, schema.ErrCodeTimeout) {
			eventType = schema.EventExecutionTimedOut
		} else if schema.HasCode(abort, schema.ErrCodeCancelled) {
			eventType = schema.EventExecutionCancelled
		}
	}
	o.publish(pctx, r, "", eventType, metrics)

	if o.deps.Archiver != nil {
		if err := o.deps.Archiver.Archive(pctx, r.exec.Snapshot()); err != nil {
			o.logger.WarnContext(pctx, "execution archive failed", slog.Any("error", err))
		}
	}

	o.logger.InfoContext(pctx, "execution finished",
		slog.String("status", string(status)),
		slog.Float64("success_rate", metrics.SuccessRate),
		slog.Int("retry_count", metrics.RetryCount),
		slog.Int64("duration_ms", metrics.DurationMs))
}

// abortReason converts the cause of a run-level abort into an error log entry.
func abortReason(r *run, cause error) error {
	switch {
	case errors.Is(cause, errExecutionTimeout):
		return schema.NewErrorf(schema.ErrCodeTimeout, "execution exceeded its timeout of %s", r.execTimeout).WithCause(cause)
	case errors.Is(cause, errCancelRequested):
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(cause)
	case errors.Is(cause, ErrPoolShutdown):
		return schema.NewError(schema.ErrCodeExecution, "worker pool shut down").WithCause(cause)
	case errors.Is(cause, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded").WithCause(cause)
	default:
		if cause == nil {
			cause = context.Canceled
		}
		return schema.NewErrorf(schema.ErrCodeCancelled, "execution aborted: %v", cause).WithCause(cause)
	}
}

func (o *orchestrator) persistProgress(ctx context.Context, r *run) {
	o.persist(ctx, r, store.ExecutionUpdate{
		Results:        r.exec.Results,
		ErrorLogs:      r.exec.ErrorLogs,
		CompletedSteps: r.exec.CompletedSteps,
	})
}

// persist writes an update. Failures are logged; the run keeps going so the
// terminal write can still land.
func (o *orchestrator) persist(ctx context.Context, r *run, update store.ExecutionUpdate) {
	update.Owner = o.owner
	if err := o.deps.Executions.UpdateExecution(context.WithoutCancel(ctx), r.exec.ID, update); err != nil {
		o.logger.ErrorContext(ctx, "persist execution failed", slog.Any("error", err))
	}
}

// emit appends an event to the event store and publishes it to the hub.
func (o *orchestrator) emit(ctx context.Context, r *run, stepID, eventType string, payload any) {
	if o.deps.Events != nil {
		event := &store.Event{ExecutionID: r.exec.ID, StepID: stepID, Type: eventType, Timestamp: o.now()}
		if payload != nil {
			if raw, err := json.Marshal(payload); err == nil {
				event.Payload = raw
			}
		}
		if err := o.deps.Events.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
			o.logger.WarnContext(ctx, "append event failed", slog.String("event_type", eventType), slog.Any("error", err))
		}
	}
	o.publish(ctx, r, stepID, eventType, payload)
}

func (o *orchestrator) publish(ctx context.Context, r *run, stepID, eventType string, payload any) {
	if o.deps.Hub == nil {
		return
	}
	_ = o.deps.Hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: r.exec.ID,
		PlaybookID:  r.exec.PlaybookID,
		CustomerID:  r.exec.CustomerID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   o.now(),
	})
}

func (o *orchestrator) publishCircuitOpen(ctx context.Context, playbookID string, err error) {
	o.logger.WarnContext(ctx, "execution rejected by circuit breaker",
		slog.String("playbook_id", playbookID), slog.Any("error", err))
	if o.deps.Hub == nil {
		return
	}
	var details map[string]any
	var pe *schema.PlaybookError
	if errors.As(err, &pe) {
		details = pe.Details
	}
	_ = o.deps.Hub.Publish(ctx, streaming.StreamEvent{
		PlaybookID: playbookID,
		EventType:  schema.EventCircuitOpen,
		Payload:    details,
		Timestamp:  o.now(),
	})
}

// Status implements Orchestrator.
func (o *orchestrator) Status(ctx context.Context, executionID string) (*schema.Execution, error) {
	return o.deps.Executions.GetExecution(ctx, executionID)
}

// List implements Orchestrator.
func (o *orchestrator) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, int, error) {
	return o.deps.Executions.ListExecutions(ctx, filter)
}

// Cancel implements Orchestrator.
func (o *orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	r, ok := o.running[executionID]
	o.mu.Unlock()
	if ok {
		r.cancel(errCancelRequested)
		return nil
	}

	exec, err := o.deps.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is already %s", executionID, exec.Status)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is owned by another orchestrator", executionID)
}

// Running implements Orchestrator.
func (o *orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Shutdown implements Orchestrator.
func (o *orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	o.pool.Shutdown()

	m := o.pool.Metrics()
	o.logger.Info("orchestrator stopped",
		slog.Int64("step_attempts", m.Finished),
		slog.Int64("worker_panics", m.Panics))
}
