package types

import (
	"errors"
	"fmt"
)

// Standard error definitions
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrDisabled      = errors.New("workflow is disabled")
	ErrChannel       = errors.New("channel delivery failed")
	ErrNodeExecution = errors.New("node execution failed")
)

// ValidationError describes a malformed workflow, rule or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError wraps ErrNotFound with the kind and id of the missing object.
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// NodeExecutionError is returned when a node fails during traversal.
type NodeExecutionError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("%s: node %s: %v", ErrNodeExecution, e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() []error { return []error{ErrNodeExecution, e.Err} }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a missing-object failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDisabled reports whether err was caused by a disabled workflow.
func IsDisabled(err error) bool { return errors.Is(err, ErrDisabled) }
