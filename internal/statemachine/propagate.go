package statemachine

import (
	"errors"
	"slices"
)

// propagateErrorTransitionBuilder adds the error fan-out helpers shared by
// error propagation and kill.
type propagateErrorTransitionBuilder struct {
	*transitionBuilder
}

func newPropagateErrorTransitionBuilder(ctx *transitionContext, state StateMachineState) *propagateErrorTransitionBuilder {
	return &propagateErrorTransitionBuilder{transitionBuilder: newTransitionBuilder(ctx, state)}
}

// createErrorMessageFromError reveals a FlowException to peers only when it
// was raised here. An exception that already carries an original error id was
// received from another flow and is sent on without its content, which stops
// it bouncing around a chain of flows as a fresh exception.
func createErrorMessageFromError(fe FlowError) ErrorSessionMessage {
	var ex *FlowException
	var e *FlowException
	if errors.As(fe.Err, &e) && e.OriginalID == nil {
		ex = &FlowException{Message: e.Message}
	}
	return ErrorSessionMessage{FlowException: ex, ErrorID: fe.ErrorID}
}

// bufferErrorMessagesInInitiatingSessions prepends the error messages to the
// buffer of every unconfirmed, unrejected session so the peer sees the
// failure before any stale data. It returns the live, error-free confirmed
// sessions the errors are sent to directly, and the new session map.
func (b *propagateErrorTransitionBuilder) bufferErrorMessagesInInitiatingSessions(sessions SessionMap, messages []ErrorSessionMessage) ([]SessionInitiated, SessionMap) {
	newSessions := make(SessionMap, len(sessions))
	var targets []SessionInitiated
	for _, id := range sessions.SortedIDs() {
		switch s := sessions[id].(type) {
		case SessionInitiating:
			if s.RejectionError == nil {
				buffered := make([]BufferedMessage, 0, len(messages)+len(s.BufferedMessages))
				for _, m := range messages {
					buffered = append(buffered, BufferedMessage{
						MessageID: newErrorMessageID(m.ErrorID, id, b.ctx.now),
						Payload:   m,
					})
				}
				s.BufferedMessages = append(buffered, s.BufferedMessages...)
			}
			newSessions[id] = s
		case SessionInitiated:
			if _, live := s.PeerSinkSessionID(); live && len(s.Errors) == 0 {
				targets = append(targets, s)
			}
			newSessions[id] = s
		case SessionUninitiated:
			newSessions[id] = s
		default:
			panic(unexpected("session state", s))
		}
	}
	return targets, newSessions
}

// addCleanupActions appends the teardown sequence of a failed or killed
// flow and marks the state removed.
func (b *propagateErrorTransitionBuilder) addCleanupActions(createTransaction bool, checkpointAction Action, reason FlowRemovalReason) {
	pending := b.state.PendingDeduplicationHandlers
	sessionIDs := b.state.Checkpoint.CheckpointState.Sessions.SortedIDs()

	b.state.PendingDeduplicationHandlers = nil
	b.state.IsRemoved = true

	if createTransaction {
		b.add(ActionCreateTransaction{})
	}
	if checkpointAction != nil {
		b.add(checkpointAction)
	}
	b.add(
		ActionPersistDeduplicationFacts{Handlers: slices.Clone(pending)},
		ActionReleaseSoftLocks{LockID: string(b.ctx.id)},
		ActionCommitTransaction{State: b.state},
		ActionAcknowledgeMessages{Handlers: slices.Clone(pending)},
		ActionRemoveSessionBindings{SessionIDs: sessionIDs},
		ActionRemoveFlow{RunID: b.ctx.id, Reason: reason, State: b.state},
	)
}

func hasUnrejectedInitiatingSession(sessions SessionMap) bool {
	for _, s := range sessions {
		if in, ok := s.(SessionInitiating); ok && in.RejectionError == nil {
			return true
		}
	}
	return false
}
