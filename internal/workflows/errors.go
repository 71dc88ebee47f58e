package workflows

import (
	"fmt"
)

// WorkflowError records a failed pipeline step.
type WorkflowError struct {
	Operation string // Step that failed, e.g. "link_question"
	Target    string // Id the step worked on
	Err       error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Target)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a WorkflowError.
func NewWorkflowError(operation, target string, err error) *WorkflowError {
	return &WorkflowError{Operation: operation, Target: target, Err: err}
}

// FormatErrorForResult formats an error for a result's Errors slice.
//
// Failures that stop the pipeline are returned as errors. Failures of a
// single question in a fan-out are only recorded here so the remaining
// questions still run.
func FormatErrorForResult(operation, target string, err error) string {
	return NewWorkflowError(operation, target, err).Error()
}
