// Package graph builds and validates the dependency graph of playbook steps.
package graph

import (
	"strings"

	"github.com/rendis/playbook/pkg/schema"
)

// Graph is an arena of step nodes addressed by integer index. Adjacency is
// built once by Build and never mutated afterwards, so a Graph may be shared
// between goroutines.
type Graph struct {
	steps      []*schema.StepDefinition
	index      map[string]int
	deps       [][]int // node -> nodes it depends on
	dependents [][]int // node -> nodes depending on it
	order      []int   // topological order, dependencies first
}

const (
	unvisited = iota
	visiting
	visited
)

// Validate checks that steps form a consistent, acyclic graph.
func Validate(steps []schema.StepDefinition) error {
	_, err := Build(steps)
	return err
}

// Build validates steps and returns the indexed graph. Checks run in a fixed
// order: empty ids and duplicates, self dependencies, unknown dependencies,
// then a DFS for longer cycles. The first problem found is returned.
func Build(steps []schema.StepDefinition) (*Graph, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook has no steps")
	}

	g := &Graph{
		steps:      make([]*schema.StepDefinition, len(steps)),
		index:      make(map[string]int, len(steps)),
		deps:       make([][]int, len(steps)),
		dependents: make([][]int, len(steps)),
		order:      make([]int, 0, len(steps)),
	}

	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty id", i)
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateStepID, "duplicate step id %q", s.ID).
				WithStep(s.ID)
		}
		g.index[s.ID] = i
		g.steps[i] = s
	}

	// A self dependency is a cycle even when other entries are unknown.
	for _, s := range g.steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCyclicDependency,
					"step %q depends on itself", s.ID).
					WithStep(s.ID).
					WithDetails(map[string]any{"cycle": []string{s.ID, s.ID}})
			}
		}
	}

	for i, s := range g.steps {
		seen := make(map[int]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %q depends on unknown step %q", s.ID, dep).
					WithStep(s.ID).
					WithDetails(map[string]any{"dependency": dep})
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	marks := make([]int, len(g.steps))
	var stack []int
	var visit func(n int) error
	visit = func(n int) error {
		switch marks[n] {
		case visited:
			return nil
		case visiting:
			return g.cycleError(stack, n)
		}
		marks[n] = visiting
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			if err := visit(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[n] = visited
		g.order = append(g.order, n)
		return nil
	}
	for i := range g.steps {
		if err := visit(i); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (g *Graph) cycleError(stack []int, n int) error {
	start := 0
	for k, v := range stack {
		if v == n {
			start = k
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, v := range stack[start:] {
		path = append(path, g.steps[v].ID)
	}
	path = append(path, g.steps[n].ID)

	id := g.steps[n].ID
	return schema.NewErrorf(schema.ErrCodeCyclicDependency,
		"dependency cycle at step %q: %s", id, strings.Join(path, " -> ")).
		WithStep(id).
		WithDetails(map[string]any{"cycle": path})
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Step returns the definition of node i.
func (g *Graph) Step(i int) *schema.StepDefinition { return g.steps[i] }

// ID returns the step id of node i.
func (g *Graph) ID(i int) string { return g.steps[i].ID }

// Index resolves a step id to its node index.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Deps returns the nodes that i depends on. The slice must not be modified.
func (g *Graph) Deps(i int) []int { return g.deps[i] }

// Dependents returns the nodes that depend on i. The slice must not be modified.
func (g *Graph) Dependents(i int) []int { return g.dependents[i] }

// Order returns all nodes in topological order. The slice must not be modified.
func (g *Graph) Order() []int { return g.order }

// Roots returns the nodes without dependencies, in declaration order.
func (g *Graph) Roots() []int {
	var roots []int
	for i := range g.steps {
		if len(g.deps[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// Depth returns the length of the longest dependency chain.
func (g *Graph) Depth() int {
	depth := make([]int, len(g.steps))
	deepest := 0
	for _, n := range g.order {
		for _, d := range g.deps[n] {
			if depth[d]+1 > depth[n] {
				depth[n] = depth[d] + 1
			}
		}
		if depth[n] > deepest {
			deepest = depth[n]
		}
	}
	return deepest + 1
}
