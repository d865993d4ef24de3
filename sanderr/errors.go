package sanderr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure in the engine.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeSandboxNotActive   Code = "SANDBOX_NOT_ACTIVE"
	CodeRuntimeUnavailable Code = "RUNTIME_UNAVAILABLE"
	CodeExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	CodePathConflict       Code = "PATH_CONFLICT"
	CodeCancelled          Code = "CANCELLED"
	CodeInternal           Code = "INTERNAL"
)

// Error is a structured error with a code and actionable context.
type Error struct {
	Code      Code
	Message   string
	SandboxID string
	TaskID    string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSandbox attaches the owning sandbox id.
func (e *Error) WithSandbox(id string) *Error {
	e.SandboxID = id
	return e
}

// WithTask attaches the task id.
func (e *Error) WithTask(id string) *Error {
	e.TaskID = id
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// CodeOf extracts the code from an error chain, or CodeInternal if the
// chain contains no *Error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

func is(err error, code Code) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}

func IsNotFound(err error) bool           { return is(err, CodeNotFound) }
func IsConflict(err error) bool           { return is(err, CodeConflict) }
func IsQuotaExceeded(err error) bool      { return is(err, CodeQuotaExceeded) }
func IsSandboxNotActive(err error) bool   { return is(err, CodeSandboxNotActive) }
func IsRuntimeUnavailable(err error) bool { return is(err, CodeRuntimeUnavailable) }
func IsExecutionTimeout(err error) bool   { return is(err, CodeExecutionTimeout) }
func IsPathConflict(err error) bool       { return is(err, CodePathConflict) }
func IsCancelled(err error) bool          { return is(err, CodeCancelled) }
