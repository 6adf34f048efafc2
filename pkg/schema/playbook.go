package schema

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// PlaybookStatus is the lifecycle state of a playbook definition.
type PlaybookStatus string

const (
	PlaybookStatusDraft    PlaybookStatus = "draft"
	PlaybookStatusActive   PlaybookStatus = "active"
	PlaybookStatusArchived PlaybookStatus = "archived"
)

// PlaybookDefinition is a versioned workflow of steps run against one customer.
// Once active a version is immutable; updates are stored as a new version.
type PlaybookDefinition struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	Status            PlaybookStatus   `json:"status,omitempty" yaml:"status,omitempty"`
	Version           int              `json:"version,omitempty" yaml:"version,omitempty"`
	Steps             []StepDefinition `json:"steps" yaml:"steps"`
	TriggerType       string           `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty"`
	TriggerConditions map[string]any   `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty"`
	Timeout           string           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // execution-level timeout, e.g. "10m"
	Digest            string           `json:"digest,omitempty" yaml:"digest,omitempty"`
	CreatedAt         time.Time        `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt         time.Time        `json:"updated_at,omitempty" yaml:"-"`
}

// StepDefinition describes one unit of work in a playbook.
type StepDefinition struct {
	ID            string        `json:"id" yaml:"id"`
	Type          string        `json:"type" yaml:"type"` // handler key in the action registry
	Parameters    Parameters    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn     []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout       string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ErrorHandling ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
}

// ErrorHandling is the per-step retry and fail-fast policy.
type ErrorHandling struct {
	RetryCount int  `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	FailFast   bool `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
}

// TimeoutDuration parses the step timeout. An empty timeout yields 0.
func (s StepDefinition) TimeoutDuration() (time.Duration, error) {
	return parseDuration(s.Timeout)
}

// TimeoutDuration parses the execution-level timeout. An empty timeout yields 0.
func (p *PlaybookDefinition) TimeoutDuration() (time.Duration, error) {
	return parseDuration(p.Timeout)
}

// StepIDs returns the step ids in declaration order.
func (p *PlaybookDefinition) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// ComputeDigest hashes the executable content of the definition with BLAKE3.
// Lifecycle fields (status, timestamps, digest) are excluded so that
// activating or archiving a version does not change its digest.
func (p *PlaybookDefinition) ComputeDigest() (string, error) {
	view := struct {
		ID                string           `json:"id"`
		Name              string           `json:"name"`
		Version           int              `json:"version"`
		Steps             []StepDefinition `json:"steps"`
		TriggerType       string           `json:"trigger_type"`
		TriggerConditions map[string]any   `json:"trigger_conditions"`
		Timeout           string           `json:"timeout"`
	}{p.ID, p.Name, p.Version, p.Steps, p.TriggerType, p.TriggerConditions, p.Timeout}

	data, err := json.Marshal(view)
	if err != nil {
		return "", NewError(ErrCodeValidation, "definition is not serializable").WithCause(err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyDigest checks the recorded digest, if any, against the current content.
func (p *PlaybookDefinition) VerifyDigest() error {
	if p.Digest == "" {
		return nil
	}
	got, err := p.ComputeDigest()
	if err != nil {
		return err
	}
	if got != p.Digest {
		return NewErrorf(ErrCodeDefinitionTampered, "playbook %s v%d digest mismatch", p.ID, p.Version).
			WithDetails(map[string]any{"expected": p.Digest, "actual": got})
	}
	return nil
}

// ParsePlaybook decodes a definition from YAML or JSON.
func ParsePlaybook(data []byte) (*PlaybookDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "empty playbook document")
	}

	var def PlaybookDefinition
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "invalid playbook JSON: %s", err.Error()).WithCause(err)
		}
		return &def, nil
	}
	if err := yaml.Unmarshal(trimmed, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid playbook YAML: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid duration %q", s).WithCause(err)
	}
	if d < 0 {
		return 0, NewErrorf(ErrCodeValidation, "negative duration %q", s)
	}
	return d, nil
}

// Parameters is the opaque parameter bag of a step. Only the handler
// registered for the step type interprets it.
type Parameters map[string]any

// String returns the string value for key, or def when absent or not a string.
func (p Parameters) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the bool value for key, or def.
func (p Parameters) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def. Whole JSON numbers are accepted.
func (p Parameters) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Duration parses a Go duration string for key, or returns def.
func (p Parameters) Duration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, NewErrorf(ErrCodeValidation, "parameter %q must be a duration string", key)
	}
	return parseDuration(s)
}

// Map returns a nested object parameter, or nil.
func (p Parameters) Map(key string) map[string]any {
	if v, ok := p[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Clone returns a shallow copy safe to hand to a handler.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Describe renders a compact form used in log lines.
func (s StepDefinition) Describe() string {
	return fmt.Sprintf("%s(%s)", s.ID, s.Type)
}
