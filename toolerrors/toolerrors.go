// Package toolerrors defines a structured error type for tool-level failures.
// Tool failures never abort a run: they are captured here, rendered into a
// "tool" message, and the model sees them on its next turn.
package toolerrors

import "fmt"

// ToolError is a structured failure returned by a tool execution. It behaves
// like a normal error (Error(), Unwrap()) but keeps the message and cause
// separate so callers can render a stable "Error: <message>" tool message
// while still being able to inspect the original cause.
type ToolError struct {
	Message string
	Cause   error
}

// New constructs a ToolError with the given message and no cause.
func New(message string) *ToolError {
	return &ToolError{Message: message}
}

// NewWithCause wraps cause with a ToolError carrying message.
func NewWithCause(message string, cause error) *ToolError {
	return &ToolError{Message: message, Cause: cause}
}

// Errorf formats a message and returns it as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// FromError converts an arbitrary error into a ToolError chain, preserving
// cause if it isn't already one.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*ToolError); ok {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: err}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
