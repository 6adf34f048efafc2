package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// statusClasses lists the class definitions emitted for overlaid steps.
var statusClasses = []struct{ name, style string }{
	{"completed", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNode(n))
	}
	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
	}

	var classed []string
	for _, n := range m.Nodes {
		if n.Status != nil && n.Status.Status != "" {
			classed = append(classed, fmt.Sprintf("    class %s %s\n", mermaidID(n.ID), n.Status.Status))
		}
	}
	if len(classed) > 0 {
		b.WriteString("\n")
		for _, c := range statusClasses {
			fmt.Fprintf(&b, "    classDef %s %s\n", c.name, c.style)
		}
		for _, line := range classed {
			b.WriteString(line)
		}
	}

	return b.String()
}

func mermaidNode(n *Node) string {
	id := mermaidID(n.ID)
	switch n.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, n.Label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([%q])", id, n.Label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, n.Label)
	default:
		return fmt.Sprintf("%s[%q]", id, n.Label)
	}
}

func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
