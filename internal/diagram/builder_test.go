package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

// onboarding is a diamond: welcome fans out to two steps that both feed review.
func onboarding() *schema.PlaybookDefinition {
	return &schema.PlaybookDefinition{
		ID:      "onboarding",
		Name:    "Onboarding",
		Version: 2,
		Steps: []schema.StepDefinition{
			{ID: "welcome", Type: "notification"},
			{ID: "collect", Type: "data_collection", DependsOn: []string{"welcome"}},
			{ID: "wait", Type: "delay", DependsOn: []string{"welcome"}},
			{ID: "review", Type: "condition", DependsOn: []string{"collect", "wait"}},
		},
	}
}

func findNode(m *Model, id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func TestBuild_Topology(t *testing.T) {
	m, err := Build(onboarding(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Onboarding v2", m.Title)
	assert.Len(t, m.Nodes, 6)
	assert.Equal(t, [][]string{
		{startID},
		{"welcome"},
		{"collect", "wait"},
		{"review"},
		{endID},
	}, m.Levels)

	assert.ElementsMatch(t, []Edge{
		{From: startID, To: "welcome"},
		{From: "welcome", To: "collect"},
		{From: "welcome", To: "wait"},
		{From: "collect", To: "review"},
		{From: "wait", To: "review"},
		{From: "review", To: endID},
	}, m.Edges)

	assert.Equal(t, NodeKindCondition, findNode(m, "review").Kind)
	assert.Equal(t, NodeKindDelay, findNode(m, "wait").Kind)
	assert.Equal(t, NodeKindStep, findNode(m, "welcome").Kind)
	assert.Nil(t, findNode(m, "welcome").Status)
}

func TestBuild_ExecutionOverlay(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	exec := &schema.Execution{
		ID: "exec-1",
		Results: map[string]*schema.StepResult{
			"welcome": {Status: schema.StepStatusCompleted, StartedAt: &started, CompletedAt: started.Add(250 * time.Millisecond)},
			"collect": {Status: schema.StepStatusFailed, Retries: 2, Error: "upstream 503"},
		},
	}

	m, err := Build(onboarding(), exec)
	require.NoError(t, err)

	welcome := findNode(m, "welcome")
	require.NotNil(t, welcome.Status)
	assert.Equal(t, "completed", welcome.Status.Status)
	assert.Equal(t, int64(250), welcome.Status.DurationMs)

	collect := findNode(m, "collect")
	require.NotNil(t, collect.Status)
	assert.Equal(t, 2, collect.Status.Retries)
	assert.Equal(t, "upstream 503", collect.Status.Error)

	assert.Nil(t, findNode(m, "review").Status)
}

func TestBuild_RejectsCycle(t *testing.T) {
	def := &schema.PlaybookDefinition{
		ID: "loop",
		Steps: []schema.StepDefinition{
			{ID: "a", Type: "delay", DependsOn: []string{"a"}},
		},
	}
	_, err := Build(def, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCyclicDependency))
}

func TestBuild_NilDefinition(t *testing.T) {
	_, err := Build(nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
