package engine

import (
	"github.com/rendis/playbook/internal/graph"
	"github.com/rendis/playbook/pkg/schema"
)

// BlockedStep is a step that can never become ready because one of its
// dependencies failed or was skipped.
type BlockedStep struct {
	StepID           string
	Dependency       string
	DependencyStatus schema.StepStatus
}

// StepScheduler computes the dispatch frontier of one execution. It is not
// safe for concurrent use; the orchestrator's results writer owns it.
type StepScheduler struct {
	g          *graph.Graph
	dispatched []bool
}

// NewStepScheduler creates a scheduler over a validated graph.
func NewStepScheduler(g *graph.Graph) *StepScheduler {
	return &StepScheduler{g: g, dispatched: make([]bool, g.Len())}
}

// NextReady returns, in topological order, the steps whose dependencies are
// all completed and which have no result yet. Returned steps are marked
// dispatched and are never returned again.
func (s *StepScheduler) NextReady(results map[string]*schema.StepResult) []string {
	var ready []string
	for _, n := range s.g.Order() {
		if s.dispatched[n] {
			continue
		}
		if _, done := results[s.g.ID(n)]; done {
			continue
		}
		if !s.depsCompleted(n, results) {
			continue
		}
		s.dispatched[n] = true
		ready = append(ready, s.g.ID(n))
	}
	return ready
}

func (s *StepScheduler) depsCompleted(n int, results map[string]*schema.StepResult) bool {
	for _, d := range s.g.Deps(n) {
		r, ok := results[s.g.ID(d)]
		if !ok || r.Status != schema.StepStatusCompleted {
			return false
		}
	}
	return true
}

// Blocked returns every unresolved step that is transitively blocked by a
// failed or skipped dependency, in topological order. Steps downstream of a
// blocked step are reported with that step as their dependency.
func (s *StepScheduler) Blocked(results map[string]*schema.StepResult) []BlockedStep {
	var blocked []BlockedStep
	dead := make(map[int]bool)
	for _, n := range s.g.Order() {
		id := s.g.ID(n)
		if r, ok := results[id]; ok {
			if r.Status != schema.StepStatusCompleted {
				dead[n] = true
			}
			continue
		}
		if s.dispatched[n] {
			continue
		}
		for _, d := range s.g.Deps(n) {
			if !dead[d] {
				continue
			}
			status := schema.StepStatusSkipped
			if r, ok := results[s.g.ID(d)]; ok {
				status = r.Status
			}
			blocked = append(blocked, BlockedStep{StepID: id, Dependency: s.g.ID(d), DependencyStatus: status})
			dead[n] = true
			break
		}
	}
	return blocked
}

// Unresolved returns steps without a result, in topological order.
func (s *StepScheduler) Unresolved(results map[string]*schema.StepResult) []string {
	var out []string
	for _, n := range s.g.Order() {
		if _, ok := results[s.g.ID(n)]; !ok {
			out = append(out, s.g.ID(n))
		}
	}
	return out
}

// InFlight reports whether a step was dispatched but has no result yet.
func (s *StepScheduler) InFlight(id string, results map[string]*schema.StepResult) bool {
	n, ok := s.g.Index(id)
	if !ok || !s.dispatched[n] {
		return false
	}
	_, done := results[id]
	return !done
}
