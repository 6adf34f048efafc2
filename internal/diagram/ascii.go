package diagram

import (
	"fmt"
	"strings"
)

func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "skipped":
		return "[SKIP]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as boxes laid out one dependency level per row.
func RenderASCII(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}

	byID := make(map[string]*Node, len(m.Nodes))
	for _, n := range m.Nodes {
		byID[n.ID] = n
	}

	for i, level := range m.Levels {
		boxes := make([]box, 0, len(level))
		for _, id := range level {
			if n, ok := byID[id]; ok {
				boxes = append(boxes, makeBox(n))
			}
		}
		writeRow(&b, boxes)
		if i < len(m.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	return b.String()
}

type box struct {
	lines []string
	width int
}

func makeBox(n *Node) box {
	content := []string{n.Label}
	if n.Status != nil {
		if tag := statusTag(n.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if n.Status.Retries > 0 {
			content = append(content, fmt.Sprintf("retries: %d", n.Status.Retries))
		}
		if n.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", n.Status.DurationMs))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, len(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", inner-len(line))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")

	return box{lines: lines, width: inner + 4}
}

// writeRow writes boxes side by side, padding shorter boxes with blanks.
func writeRow(b *strings.Builder, boxes []box) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for row := 0; row < height; row++ {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(bx.lines) {
				b.WriteString(bx.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}
