package hsp

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures across component boundaries. Codes travel on
// the wire inside TaskError and locally inside *hsp.Error.
type ErrorCode string

// Error taxonomy.
const (
	// ErrCodeTransport covers bus unreachability, rejected publishes, and
	// ACK timeouts. Recovered locally by reconnection where possible.
	ErrCodeTransport ErrorCode = "transport"
	// ErrCodeCorrelationTimeout means a request got no correlated response
	// within its deadline.
	ErrCodeCorrelationTimeout ErrorCode = "correlation_timeout"
	// ErrCodeCapabilityNotFound means no advertisement matched and no launch
	// recipe exists.
	ErrCodeCapabilityNotFound ErrorCode = "capability_not_found"
	// ErrCodeSpawnFailure covers launch failures and readiness timeouts.
	ErrCodeSpawnFailure ErrorCode = "spawn_failure"
	// ErrCodePlanningFailure covers invalid DAGs and malformed decompositions.
	ErrCodePlanningFailure ErrorCode = "planning_failure"
	// ErrCodeParameterSubstitution means a dependency reference could not be
	// resolved into the parameter template.
	ErrCodeParameterSubstitution ErrorCode = "parameter_substitution"
	// ErrCodeExecutionFailure means the specialist reported a failure.
	ErrCodeExecutionFailure ErrorCode = "execution_failure"
	// ErrCodeContradiction marks an unresolved fact conflict.
	ErrCodeContradiction ErrorCode = "contradiction"
	// ErrCodeQuarantine marks a fact below the ingestion trust floor.
	ErrCodeQuarantine ErrorCode = "quarantine"
	// ErrCodeCancelled marks work abandoned because its project was cancelled.
	ErrCodeCancelled ErrorCode = "cancelled"
)

// Error is a classified error. Components convert internal failures into
// one of the taxonomy codes before surfacing them.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the classification of err, or "" if it is unclassified.
func CodeOf(err error) ErrorCode {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
