package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

// Registry is the thread-safe handler registry. New step types are added by
// registering a handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	params *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry. When params is non-nil, Dispatch
// validates step parameters against each handler's input schema.
func NewRegistry(params *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		params:   params,
	}
}

// Register adds a handler. Returns CONFLICT on a duplicate step type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	stepType := h.Type()
	if stepType == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[stepType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", stepType)
	}
	r.handlers[stepType] = h
	return nil
}

// Get returns the handler for a step type.
func (r *Registry) Get(stepType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[stepType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "no handler registered for step type %q", stepType)
	}
	return h, nil
}

// Has reports whether a handler is registered for stepType.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[stepType]
	return ok
}

// ParamSchema returns the parameter schema of a registered handler, or nil.
func (r *Registry) ParamSchema(stepType string) json.RawMessage {
	h, err := r.Get(stepType)
	if err != nil {
		return nil
	}
	return h.Schema().InputSchema
}

// List returns info for all registered handlers, sorted by type.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for t, h := range r.handlers {
		infos = append(infos, HandlerInfo{Type: t, Description: h.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Dispatch runs the handler for req.StepType, bounded by req.Timeout.
//
// A timeout yields TIMEOUT_ERROR, which the retry policy treats like any
// other handler error. Cancellation of ctx yields CANCELLED. A handler that
// ignores its context keeps running in the background after Dispatch returns.
func (r *Registry) Dispatch(ctx context.Context, req Request) (*Result, error) {
	h, err := r.Get(req.StepType)
	if err != nil {
		return nil, withStep(err, req.StepID)
	}

	if r.params != nil {
		if ps := h.Schema().InputSchema; len(ps) > 0 {
			if err := r.params.ValidateParams(req.Parameters, ps); err != nil {
				return nil, withStep(err, req.StepID)
			}
		}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: schema.NewErrorf(schema.ErrCodeExecution,
					"handler %q panicked: %v", req.StepType, rec)}
			}
		}()
		res, err := h.Execute(callCtx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if callCtx.Err() != nil {
				return nil, r.abortError(ctx, req)
			}
			return nil, withStep(o.err, req.StepID)
		}
		if o.res == nil {
			o.res = &Result{}
		}
		return o.res, nil
	case <-callCtx.Done():
		return nil, r.abortError(ctx, req)
	}
}

func (r *Registry) abortError(parent context.Context, req Request) error {
	if err := parent.Err(); err != nil {
		code := schema.ErrCodeCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return schema.NewErrorf(code, "step %q aborted: %v", req.StepID, err).
			WithStep(req.StepID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTimeout, "step %q timed out after %s", req.StepID, req.Timeout).
		WithStep(req.StepID).
		WithCause(context.DeadlineExceeded)
}

// withStep tags err with the step id, wrapping foreign errors as EXECUTION_ERROR.
func withStep(err error, stepID string) error {
	var pe *schema.PlaybookError
	if errors.As(err, &pe) {
		if pe.StepID == "" {
			cp := *pe
			cp.StepID = stepID
			return &cp
		}
		return pe
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(stepID).WithCause(err)
}

var _ validation.HandlerLookup = (*Registry)(nil)
