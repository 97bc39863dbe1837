package logging

import (
	"fmt"
	"strings"
)

// OperationError annotates an error with operation metadata.
type OperationError struct {
	Operation string
	SessionID string
	Step      string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var attrs []string
	if e.SessionID != "" {
		attrs = append(attrs, "session_id="+e.SessionID)
	}
	if e.Step != "" {
		attrs = append(attrs, "step="+e.Step)
	}
	if len(attrs) == 0 {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Operation, strings.Join(attrs, ", "), e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, sessionID string, err error) error {
	return NewStepError(operation, sessionID, "", err)
}

// NewStepError is NewOperationError for failures tied to a workflow step.
func NewStepError(operation, sessionID, step string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, SessionID: sessionID, Step: step, Err: err}
}
