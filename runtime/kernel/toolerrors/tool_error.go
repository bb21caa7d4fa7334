// Package toolerrors provides structured error types for tool and event
// handling failures. ToolError preserves error chains and supports
// errors.Is/As while remaining trivially serializable across the event bus
// and agent-as-tool boundaries.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a structured failure that preserves a human-readable
// message and causal context while still implementing the standard error
// interface. Errors may be nested via Cause to retain diagnostics across
// retries, replans, and nested tool invocations.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Code optionally classifies the failure (e.g. "QUOTA_EXCEEDED",
	// "CIRCUIT_OPEN"). Empty when the failure has no stable code.
	Code string
	// Cause links to the underlying error, enabling error chains with
	// errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the provided message. Use when the
// failure does not wrap an underlying error but still requires structured
// reporting.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCode constructs a ToolError carrying a stable error code, used by
// callers that need to switch on failure kind (quota, circuit, depth).
func NewWithCode(code, message string) *ToolError {
	e := New(message)
	e.Code = code
	return e
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so error metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the result as
// a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Chain flattens the error and its causes into a slice of messages, oldest
// cause last. Used by the executor to build deduped failure-pattern lists
// for replan context without re-parsing the original error text.
func (e *ToolError) Chain() []string {
	var out []string
	for cur := e; cur != nil; cur = cur.Cause {
		out = append(out, cur.Message)
	}
	return out
}
