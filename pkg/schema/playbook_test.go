package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const onboardingYAML = `
id: onboarding
name: New customer onboarding
timeout: 10m
steps:
  - id: welcome
    type: notification
    parameters:
      template: welcome
      attempts: 3
  - id: kickoff
    type: task_creation
    depends_on: [welcome]
    timeout: 30s
    error_handling:
      retry_count: 2
      fail_fast: true
`

func TestParsePlaybook_YAML(t *testing.T) {
	def, err := ParsePlaybook([]byte(onboardingYAML))
	require.NoError(t, err)

	assert.Equal(t, "onboarding", def.ID)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, []string{"welcome", "kickoff"}, def.StepIDs())
	assert.Equal(t, "welcome", def.Steps[0].Parameters.String("template", ""))
	assert.Equal(t, 3, def.Steps[0].Parameters.Int("attempts", 0))
	assert.Equal(t, 2, def.Steps[1].ErrorHandling.RetryCount)
	assert.True(t, def.Steps[1].ErrorHandling.FailFast)

	d, err := def.Steps[1].TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = def.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)
}

func TestParsePlaybook_JSON(t *testing.T) {
	def, err := ParsePlaybook([]byte(`{"id":"p","name":"P","steps":[{"id":"a","type":"delay","parameters":{"n":2}}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, def.Steps[0].Parameters.Int("n", 0))
}

func TestParsePlaybook_Empty(t *testing.T) {
	_, err := ParsePlaybook([]byte("   "))
	assert.True(t, HasCode(err, ErrCodeValidation))
}

func TestStepTimeout_Invalid(t *testing.T) {
	_, err := StepDefinition{ID: "a", Timeout: "soon"}.TimeoutDuration()
	assert.True(t, HasCode(err, ErrCodeValidation))
}

func TestDigest_IgnoresLifecycleFields(t *testing.T) {
	def, err := ParsePlaybook([]byte(onboardingYAML))
	require.NoError(t, err)

	d1, err := def.ComputeDigest()
	require.NoError(t, err)

	def.Status = PlaybookStatusActive
	def.UpdatedAt = time.Now()
	d2, err := def.ComputeDigest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestVerifyDigest_DetectsTampering(t *testing.T) {
	def, err := ParsePlaybook([]byte(onboardingYAML))
	require.NoError(t, err)
	def.Digest, err = def.ComputeDigest()
	require.NoError(t, err)
	require.NoError(t, def.VerifyDigest())

	def.Steps[1].DependsOn = nil
	assert.True(t, HasCode(def.VerifyDigest(), ErrCodeDefinitionTampered))
}

func TestComputeMetrics(t *testing.T) {
	results := map[string]*StepResult{
		"a": {Status: StepStatusCompleted, Retries: 1},
		"b": {Status: StepStatusFailed, Retries: 2},
		"c": {Status: StepStatusSkipped},
		"d": {Status: StepStatusCompleted},
	}
	m := ComputeMetrics(results, 4, 1500*time.Millisecond)

	assert.Equal(t, int64(1500), m.DurationMs)
	assert.Equal(t, 2, m.StepsCompleted)
	assert.Equal(t, 4, m.StepsTotal)
	assert.Equal(t, 3, m.RetryCount)
	assert.InDelta(t, 50.0, m.SuccessRate, 0.0001)
}

func TestExecutionSnapshot_IsIndependent(t *testing.T) {
	e := &Execution{
		ID:      "x",
		Results: map[string]*StepResult{"a": {Status: StepStatusCompleted}},
	}
	snap := e.Snapshot()
	snap.Results["a"].Status = StepStatusFailed
	snap.Results["b"] = &StepResult{}

	assert.Equal(t, StepStatusCompleted, e.Results["a"].Status)
	assert.Len(t, e.Results, 1)
}
