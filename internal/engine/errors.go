package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected by the node outside of a
// transition: unknown flows, lifecycle misuse and fiber replay failures.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected flow, when there is one.
	RunID string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownFlowClass indicates no flow is registered under a class.
	ErrCodeUnknownFlowClass RuntimeErrorCode = "UNKNOWN_FLOW_CLASS"

	// ErrCodeFlowNotFound indicates no running or paused flow has a run id.
	ErrCodeFlowNotFound RuntimeErrorCode = "FLOW_NOT_FOUND"

	// ErrCodeNodeStopped indicates the node is not running.
	ErrCodeNodeStopped RuntimeErrorCode = "NODE_STOPPED"

	// ErrCodeFlowShutdown indicates the flow was removed by a soft shutdown
	// and will resume when the node restarts.
	ErrCodeFlowShutdown RuntimeErrorCode = "FLOW_SHUTDOWN"

	// ErrCodeReplayDiverged indicates restored flow logic did not retrace
	// its journal.
	ErrCodeReplayDiverged RuntimeErrorCode = "REPLAY_DIVERGED"

	// ErrCodeDuplicateClientID indicates a client id is already taken by a
	// flow that cannot be reattached.
	ErrCodeDuplicateClientID RuntimeErrorCode = "DUPLICATE_CLIENT_ID"

	// ErrCodeNotRetryable indicates a retry of a flow that is neither paused
	// nor under observation.
	ErrCodeNotRetryable RuntimeErrorCode = "NOT_RETRYABLE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newRuntimeError(code RuntimeErrorCode, runID string, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...), RunID: runID}
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsFlowNotFound returns true if err reports an unknown run id.
// Uses errors.As to handle wrapped errors.
func IsFlowNotFound(err error) bool { return hasCode(err, ErrCodeFlowNotFound) }

// IsUnknownFlowClass returns true if err reports an unregistered flow class.
func IsUnknownFlowClass(err error) bool { return hasCode(err, ErrCodeUnknownFlowClass) }

// IsFlowShutdown returns true if the flow was removed by a soft shutdown.
func IsFlowShutdown(err error) bool { return hasCode(err, ErrCodeFlowShutdown) }

func IsNodeStopped(err error) bool { return hasCode(err, ErrCodeNodeStopped) }

func IsReplayDiverged(err error) bool { return hasCode(err, ErrCodeReplayDiverged) }
