package diagram

import (
	"fmt"

	"github.com/rendis/playbook/internal/graph"
	"github.com/rendis/playbook/pkg/schema"
)

// Build constructs a Model from a playbook definition. When exec is non-nil,
// each step carries the status it reached in that execution.
func Build(def *schema.PlaybookDefinition, exec *schema.Execution) (*Model, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is required")
	}
	g, err := graph.Build(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	depth := make([]int, g.Len())
	for _, n := range g.Order() {
		for _, d := range g.Deps(n) {
			if depth[d]+1 > depth[n] {
				depth[n] = depth[d] + 1
			}
		}
	}

	m := &Model{Title: titleFor(def)}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	levels := make([][]string, g.Depth())
	for i := 0; i < g.Len(); i++ {
		step := g.Step(i)
		node := &Node{
			ID:    step.ID,
			Label: fmt.Sprintf("%s (%s)", step.ID, step.Type),
			Kind:  kindFor(step.Type),
		}
		if exec != nil {
			node.Status = overlayFor(exec.Results[step.ID])
		}
		m.Nodes = append(m.Nodes, node)
		levels[depth[i]] = append(levels[depth[i]], step.ID)

		if len(g.Deps(i)) == 0 {
			m.Edges = append(m.Edges, Edge{From: startID, To: step.ID})
		}
		for _, d := range g.Deps(i) {
			m.Edges = append(m.Edges, Edge{From: g.ID(d), To: step.ID})
		}
	}
	for i := 0; i < g.Len(); i++ {
		if len(g.Dependents(i)) == 0 {
			m.Edges = append(m.Edges, Edge{From: g.ID(i), To: endID})
		}
	}

	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	m.Levels = append(m.Levels, []string{startID})
	m.Levels = append(m.Levels, levels...)
	m.Levels = append(m.Levels, []string{endID})
	return m, nil
}

func kindFor(stepType string) NodeKind {
	switch stepType {
	case "condition":
		return NodeKindCondition
	case "delay":
		return NodeKindDelay
	default:
		return NodeKindStep
	}
}

// overlayFor returns nil for steps the execution has not resolved yet.
func overlayFor(r *schema.StepResult) *StatusOverlay {
	if r == nil {
		return nil
	}
	o := &StatusOverlay{
		Status:  string(r.Status),
		Retries: r.Retries,
		Error:   r.Error,
	}
	if r.StartedAt != nil && !r.CompletedAt.IsZero() {
		o.DurationMs = r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	}
	return o
}

func titleFor(def *schema.PlaybookDefinition) string {
	title := def.Name
	if title == "" {
		title = def.ID
	}
	if def.Version > 0 {
		title = fmt.Sprintf("%s v%d", title, def.Version)
	}
	return title
}
