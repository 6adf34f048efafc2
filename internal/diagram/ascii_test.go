package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	m, err := Build(onboarding(), nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== Onboarding v2 ===\n"))
	for _, label := range []string{"Start", "welcome (notification)", "collect (data_collection)", "review (condition)", "End"} {
		assert.Contains(t, out, label)
	}
	assert.Equal(t, len(m.Levels)-1, strings.Count(out, "▼"))

	// collect and wait share a level, so they render on the same lines.
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "collect (data_collection)") {
			assert.Contains(t, line, "wait (delay)")
		}
	}
}

func TestRenderASCII_Overlay(t *testing.T) {
	exec := &schema.Execution{Results: map[string]*schema.StepResult{
		"welcome": {Status: schema.StepStatusCompleted},
		"collect": {Status: schema.StepStatusFailed, Retries: 3},
		"wait":    {Status: schema.StepStatusCompleted},
		"review":  {Status: schema.StepStatusSkipped},
	}}
	m, err := Build(onboarding(), exec)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "retries: 3")
}

func TestMakeBox_PadsToWidestLine(t *testing.T) {
	bx := makeBox(&Node{Label: "ab", Status: &StatusOverlay{Status: "failed"}})
	require.Len(t, bx.lines, 4)
	assert.Equal(t, "┌────────┐", bx.lines[0])
	assert.Equal(t, "│ ab     │", bx.lines[1])
	assert.Equal(t, "│ [FAIL] │", bx.lines[2])
	assert.Equal(t, 10, bx.width)
}
