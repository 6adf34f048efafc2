package schema

import "fmt"

// Issue is one problem found in a playbook definition. Path locates it in the
// document, e.g. "steps[2].timeout".
type Issue struct {
	Path    string `json:"path"`
	StepID  string `json:"step_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult collects the issues of one validation pass. Warnings never
// block activation.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Fail records a blocking issue.
func (r *ValidationResult) Fail(path, stepID, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, StepID: stepID, Code: code, Message: message})
}

// Warn records a non-blocking issue.
func (r *ValidationResult) Warn(path, stepID, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, StepID: stepID, Code: code, Message: message})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Err returns nil for a valid result. Otherwise the PlaybookError takes the
// code and step of the first error and lists every issue in its details.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", first.Message, n-1)
	}

	err := NewError(first.Code, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
	if first.StepID != "" {
		err = err.WithStep(first.StepID)
	}
	return err
}
