package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/BaSui01/agentloop/circuitbreaker"
	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/types"
)

// ErrorKind is the closed set of failure classes.
type ErrorKind string

const (
	KindToolError       ErrorKind = "tool_error"
	KindParsingError    ErrorKind = "parsing_error"
	KindValidationError ErrorKind = "validation_error"
	KindPermissionError ErrorKind = "permission_error"
	KindTimeoutError    ErrorKind = "timeout_error"
	KindUnknownError    ErrorKind = "unknown_error"
)

// DefaultErrorThreshold is the consecutive error count that triggers a
// human help request.
const DefaultErrorThreshold = 3

// ErrorClassifier maps an error to an ErrorKind by inspecting its type,
// never its message.
type ErrorClassifier struct{}

// Classify returns the kind of err. A nil error is unknown_error.
func (ErrorClassifier) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknownError
	}

	if e, ok := types.AsError(err); ok {
		switch e.Code {
		case types.ErrToolExecution:
			// a wrapped cause may be more specific than the wrapper
			if e.Cause != nil {
				if kind := (ErrorClassifier{}).Classify(e.Cause); kind != KindUnknownError {
					return kind
				}
			}
			return KindToolError
		case types.ErrToolNotFound, types.ErrToolRateLimit:
			return KindToolError
		case types.ErrParsing:
			return KindParsingError
		case types.ErrToolValidation, types.ErrInvalidRequest:
			return KindValidationError
		case types.ErrPermissionDenied, types.ErrForbidden, types.ErrUnauthorized:
			return KindPermissionError
		case types.ErrTimeout, types.ErrUpstreamTimeout:
			return KindTimeoutError
		}
		// other framework codes fall through to their cause
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindParsingError
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionError
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeoutError
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeoutError
	}
	return KindUnknownError
}

// IsRecoverable reports whether a failure of this kind may be retried by
// the loop. Only permission errors are fatal.
func (ErrorClassifier) IsRecoverable(kind ErrorKind) bool {
	return kind != KindPermissionError
}

// ErrorHandler classifies failures and tracks the consecutive error streak.
// It belongs to one run and is not safe for concurrent use.
type ErrorHandler struct {
	classifier ErrorClassifier
	threshold  int
	count      int
}

// NewErrorHandler creates a handler. A threshold <= 0 uses
// DefaultErrorThreshold.
func NewErrorHandler(threshold int) *ErrorHandler {
	if threshold <= 0 {
		threshold = DefaultErrorThreshold
	}
	return &ErrorHandler{threshold: threshold}
}

// Handle classifies err, bumps the streak and returns the matching error
// event. Errors raised by an open breaker are never recoverable.
func (h *ErrorHandler) Handle(err error, fields map[string]any) eventlog.Event {
	h.count++

	kind := h.classifier.Classify(err)
	recoverable := h.classifier.IsRecoverable(kind) && !circuitbreaker.IsOpen(err)

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	e := eventlog.NewErrorEvent(string(kind), msg, recoverable)
	for k, v := range fields {
		if _, reserved := e.Data[k]; !reserved {
			e.Data[k] = v
		}
	}
	return e
}

// RecordSuccess resets the streak.
func (h *ErrorHandler) RecordSuccess() {
	h.count = 0
}

// ConsecutiveErrors returns the current streak length.
func (h *ErrorHandler) ConsecutiveErrors() int {
	return h.count
}

// Threshold returns the streak length that triggers a help request.
func (h *ErrorHandler) Threshold() int {
	return h.threshold
}

// ShouldRequestHumanHelp reports whether the streak reached the threshold.
func (h *ErrorHandler) ShouldRequestHumanHelp() bool {
	return h.count >= h.threshold
}

// CreateHumanHelpRequest summarizes recent failures (error events and
// failed tool results) into a human request.
func (h *ErrorHandler) CreateHumanHelpRequest(recent []eventlog.Event) eventlog.Event {
	var b strings.Builder
	fmt.Fprintf(&b, "The agent hit %d consecutive errors and needs guidance.", h.count)

	kinds := make([]string, 0, len(recent))
	for i, e := range recent {
		kind := e.String(eventlog.KeyErrorType)
		msg := e.String(eventlog.KeyMessage)
		if e.Type == eventlog.EventToolResult {
			msg = e.String(eventlog.KeyTool) + ": " + e.String(eventlog.KeyError)
		}
		kinds = append(kinds, kind)
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, kind, msg)
	}
	b.WriteString("\nHow should it proceed?")

	return eventlog.NewHumanRequestEvent(b.String(), map[string]any{
		eventlog.KeyReason: "error_threshold",
		eventlog.KeyCount:  h.count,
		"error_types":      kinds,
	})
}
