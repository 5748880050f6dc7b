package statemachine

import (
	"errors"
	"fmt"
)

// StateMachineError is a framework error raised while computing a transition.
// These are always routed through a fresh error transition.
type StateMachineError struct {
	// Code identifies the error category.
	Code StateMachineErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID is set for session related errors.
	SessionID SessionID
}

// StateMachineErrorCode categorizes framework errors.
type StateMachineErrorCode string

const (
	// ErrCodeUnexpectedEvent indicates an event arrived in a state that cannot
	// accept it.
	ErrCodeUnexpectedEvent StateMachineErrorCode = "UNEXPECTED_EVENT_IN_STATE"

	// ErrCodeCannotFindSession indicates a message or request named a session
	// the flow does not know.
	ErrCodeCannotFindSession StateMachineErrorCode = "CANNOT_FIND_SESSION"

	// ErrCodePrematureSessionEnd indicates an end message arrived for a
	// session that was never confirmed.
	ErrCodePrematureSessionEnd StateMachineErrorCode = "PREMATURE_SESSION_END"

	// ErrCodePrematureSessionClose indicates user code closed a session that
	// was never confirmed.
	ErrCodePrematureSessionClose StateMachineErrorCode = "PREMATURE_SESSION_CLOSE"

	// ErrCodeIllegalState indicates an operation that is not allowed in the
	// current flow state.
	ErrCodeIllegalState StateMachineErrorCode = "ILLEGAL_STATE"
)

// Error implements the error interface.
func (e *StateMachineError) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("%s: %s (session=%d)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newUnexpectedEvent(format string, args ...any) *StateMachineError {
	return &StateMachineError{Code: ErrCodeUnexpectedEvent, Message: fmt.Sprintf(format, args...)}
}

func newCannotFindSession(id SessionID) *StateMachineError {
	return &StateMachineError{Code: ErrCodeCannotFindSession, Message: "cannot find session", SessionID: id}
}

func newPrematureSessionEnd(id SessionID) *StateMachineError {
	return &StateMachineError{Code: ErrCodePrematureSessionEnd, Message: "received session end before the session was confirmed", SessionID: id}
}

func newPrematureSessionClose(id SessionID) *StateMachineError {
	return &StateMachineError{Code: ErrCodePrematureSessionClose, Message: "tried to close a session that was never confirmed", SessionID: id}
}

func newIllegalState(format string, args ...any) *StateMachineError {
	return &StateMachineError{Code: ErrCodeIllegalState, Message: fmt.Sprintf(format, args...)}
}

func hasCode(err error, code StateMachineErrorCode) bool {
	var sme *StateMachineError
	if errors.As(err, &sme) {
		return sme.Code == code
	}
	return false
}

// IsUnexpectedEvent returns true if err is an unexpected-event-in-state error.
func IsUnexpectedEvent(err error) bool { return hasCode(err, ErrCodeUnexpectedEvent) }

// IsCannotFindSession returns true if err names an unknown session.
func IsCannotFindSession(err error) bool { return hasCode(err, ErrCodeCannotFindSession) }

// IsPrematureSessionEnd returns true if err is a premature session end.
func IsPrematureSessionEnd(err error) bool { return hasCode(err, ErrCodePrematureSessionEnd) }

// IsPrematureSessionClose returns true if err reports closing an unconfirmed session.
func IsPrematureSessionClose(err error) bool { return hasCode(err, ErrCodePrematureSessionClose) }

// IsIllegalState returns true if err is an illegal state error.
func IsIllegalState(err error) bool { return hasCode(err, ErrCodeIllegalState) }

// identifiable is implemented by errors that already carry the id they were
// propagated under. Such errors keep that id instead of minting a new one.
type identifiable interface {
	OriginalErrorID() (int64, bool)
}

// FlowException is an error raised deliberately by flow code. Its message is
// revealed to the peers of the flow when the flow fails.
type FlowException struct {
	Message string `json:"message"`

	// OriginalID is set once the exception has crossed a session boundary.
	// A FlowException with an OriginalID is never propagated again as a fresh
	// exception.
	OriginalID *int64 `json:"-"`

	// Peer is the party that raised the exception, when it came from a peer.
	Peer Party `json:"-"`
}

// NewFlowException creates a FlowException with the given message.
func NewFlowException(format string, args ...any) *FlowException {
	return &FlowException{Message: fmt.Sprintf(format, args...)}
}

func (e *FlowException) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("flow exception from %s: %s", e.Peer, e.Message)
	}
	return "flow exception: " + e.Message
}

func (e *FlowException) OriginalErrorID() (int64, bool) {
	if e.OriginalID == nil {
		return 0, false
	}
	return *e.OriginalID, true
}

// UnexpectedFlowEndError is raised to user code when a session ended or a
// peer failed without revealing why.
type UnexpectedFlowEndError struct {
	Message    string
	OriginalID *int64
	Peer       Party
}

func (e *UnexpectedFlowEndError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("unexpected flow end (peer %s): %s", e.Peer, e.Message)
	}
	return "unexpected flow end: " + e.Message
}

func (e *UnexpectedFlowEndError) OriginalErrorID() (int64, bool) {
	if e.OriginalID == nil {
		return 0, false
	}
	return *e.OriginalID, true
}

// KilledFlowError is the error a killed flow propagates to its peers.
type KilledFlowError struct {
	RunID RunID
}

func (e *KilledFlowError) Error() string {
	return fmt.Sprintf("flow %s was killed", e.RunID)
}

// IsFlowException returns true if err is or wraps a FlowException.
func IsFlowException(err error) bool {
	var fe *FlowException
	return errors.As(err, &fe)
}

// IsUnexpectedFlowEnd returns true if err is or wraps an UnexpectedFlowEndError.
func IsUnexpectedFlowEnd(err error) bool {
	var ue *UnexpectedFlowEndError
	return errors.As(err, &ue)
}

// IsKilled returns true if err is or wraps a KilledFlowError.
func IsKilled(err error) bool {
	var ke *KilledFlowError
	return errors.As(err, &ke)
}

func int64Ptr(v int64) *int64 { return &v }
