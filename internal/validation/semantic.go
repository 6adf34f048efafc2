package validation

import (
	"fmt"

	"github.com/rendis/playbook/pkg/schema"
)

// validateSemantic checks what the document schema cannot express:
// handler registration, handler parameter schemas, timeouts and retry limits.
func validateSemantic(def *schema.PlaybookDefinition, lookup HandlerLookup, params *JSONSchemaValidator, maxRetries int) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	execTimeout, err := def.TimeoutDuration()
	if err != nil {
		result.Fail("timeout", "", schema.ErrCodeValidation, err.Error())
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if lookup != nil {
			if !lookup.Has(step.Type) {
				result.Fail(path+".type", step.ID, schema.ErrCodeHandlerUnavailable,
					fmt.Sprintf("no handler registered for step type %q", step.Type))
			} else if ps := lookup.ParamSchema(step.Type); len(ps) > 0 && params != nil {
				if err := params.ValidateParams(step.Parameters, ps); err != nil {
					result.Fail(path+".parameters", step.ID, schema.ErrCodeValidation,
						fmt.Sprintf("step %q: %s", step.ID, err.Error()))
				}
			}
		}

		stepTimeout, err := step.TimeoutDuration()
		if err != nil {
			result.Fail(path+".timeout", step.ID, schema.ErrCodeValidation, err.Error())
		} else if stepTimeout > 0 && execTimeout > 0 && stepTimeout > execTimeout {
			result.Warn(path+".timeout", step.ID, schema.ErrCodeValidation,
				fmt.Sprintf("step timeout (%s) exceeds playbook timeout (%s)", step.Timeout, def.Timeout))
		}

		if step.ErrorHandling.RetryCount < 0 {
			result.Fail(path+".error_handling.retry_count", step.ID, schema.ErrCodeValidation,
				"retry_count must not be negative")
		} else if maxRetries > 0 && step.ErrorHandling.RetryCount > maxRetries {
			result.Warn(path+".error_handling.retry_count", step.ID, schema.ErrCodeValidation,
				fmt.Sprintf("retry_count %d exceeds the engine limit and will be capped at %d",
					step.ErrorHandling.RetryCount, maxRetries))
		}
	}

	return result
}
