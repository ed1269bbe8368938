package tools

import (
	"errors"
	"fmt"
)

// ErrToolNotFound matches any lookup of an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// NotFoundError is returned when a tool call targets a tool that is not
// present in the registry.
type NotFoundError struct {
	ToolName string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// Is matches ErrToolNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrToolNotFound
}

// ExecutionError is a handler failure. Reason is shown to the model.
type ExecutionError struct {
	Tool   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Reason)
}

// Unwrap returns the handler's error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
