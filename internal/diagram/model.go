// Package diagram renders playbook step graphs, optionally overlaid with the
// results of an execution.
package diagram

// NodeKind selects the shape a renderer uses for a node.
type NodeKind string

const (
	NodeKindStep      NodeKind = "step"
	NodeKindCondition NodeKind = "condition"
	NodeKindDelay     NodeKind = "delay"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // node ids grouped by dependency depth, start and end included
}

// Node is a single step, or the virtual start and end markers.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of the step in one execution.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Retries    int
	Error      string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From string
	To   string
}
