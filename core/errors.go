package core

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of machine-readable failure kinds. Every error
// crossing a subsystem boundary carries one of these so callers never parse
// error strings.
type ErrorCode string

const (
	// ErrCodeValidation indicates bad configuration or tool arguments.
	// Never retried; surfaced to the caller.
	ErrCodeValidation ErrorCode = "validation_error"
	// ErrCodePolicyDenied indicates a policy gate rejection. Never retried;
	// always terminates the run with StopPolicyDenied.
	ErrCodePolicyDenied ErrorCode = "policy_denied"
	// ErrCodeToolTimeout indicates the tool exceeded its deadline.
	// Retriable once at the dispatcher level.
	ErrCodeToolTimeout ErrorCode = "tool_timeout"
	// ErrCodeToolUnavailable indicates the requested tool does not exist.
	ErrCodeToolUnavailable ErrorCode = "tool_unavailable"
	// ErrCodeExecution is the catch-all for handler faults, including
	// recovered panics.
	ErrCodeExecution ErrorCode = "execution_error"
	// ErrCodeProvider indicates a planning oracle failure; it triggers
	// adapter rotation rather than an engine-level retry.
	ErrCodeProvider ErrorCode = "provider_error"
	// ErrCodeAuth indicates a mesh signature or TTL failure. The mesh
	// dispatcher absorbs it by falling back to local execution.
	ErrCodeAuth ErrorCode = "auth_error"
)

// Error is the typed error used throughout CrawlMesh. Code classifies the
// failure, Retriable tells dispatch whether a single immediate retry is
// permitted.
type Error struct {
	Code      ErrorCode
	Message   string
	Retriable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a typed error. Retriability defaults to the code's
// standard semantics and can be overridden with WithRetriable.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retriable: code == ErrCodeToolTimeout,
	}
}

// WrapError wraps cause with a typed code, preserving the chain.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.Cause = cause
	return e
}

// WithRetriable overrides the retriable flag and returns the same error for
// chaining at construction sites.
func (e *Error) WithRetriable(v bool) *Error {
	e.Retriable = v
	return e
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain. Untyped
// errors classify as execution_error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrCodeExecution
}

// RetriableOf reports whether err permits the single dispatcher retry.
func RetriableOf(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retriable
	}
	return false
}
