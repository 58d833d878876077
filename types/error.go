package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Tool error codes
const (
	ErrToolExecution  ErrorCode = "TOOL_ERROR"
	ErrToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	ErrToolValidation ErrorCode = "TOOL_VALIDATION"
	ErrToolRateLimit  ErrorCode = "TOOL_RATE_LIMIT"
)

// Model output and request error codes
const (
	ErrParsing          ErrorCode = "PARSING_ERROR"
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Runtime error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrProviderNotSet    ErrorCode = "PROVIDER_NOT_SET"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Tool      string    `json:"tool,omitempty"`
	Cause     error     `json:"-"`
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

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTool sets the tool name the error belongs to.
func (e *Error) WithTool(name string) *Error {
	e.Tool = name
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewToolError wraps a failure raised by a tool.
func NewToolError(tool string, cause error) *Error {
	return NewError(ErrToolExecution, "tool execution failed").
		WithTool(tool).
		WithCause(cause).
		WithRetryable(true)
}

// NewParsingError reports model output that could not be decoded.
func NewParsingError(message string, cause error) *Error {
	return NewError(ErrParsing, message).WithCause(cause).WithRetryable(true)
}

// NewValidationError reports arguments rejected before a tool ran.
func NewValidationError(tool, message string) *Error {
	return NewError(ErrToolValidation, message).WithTool(tool).WithRetryable(true)
}

// NewPermissionError reports an operation the caller is not allowed to perform.
func NewPermissionError(message string) *Error {
	return NewError(ErrPermissionDenied, message)
}

// NewTimeoutError reports a call that exceeded its deadline.
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message).WithRetryable(true)
}
