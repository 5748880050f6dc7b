package statemachine

import (
	"fmt"
	"maps"
	"slices"
)

// startedFlowTransition services the request a started flow is suspended on.
//
// Sessions whose peer has ended them and whose data has all been consumed are
// torn down first. Errors relevant to the request are then raised in user
// code before the request itself is looked at: a flow touching a failed or
// ended session must see that failure at that point.
func startedFlowTransition(ctx *transitionContext, state StateMachineState, started FlowStateStarted) TransitionResult {
	state, terminated := terminateSessionsIfRequired(state)

	result := func() TransitionResult {
		newState, errs := collectRelevantErrorsToThrow(ctx, state, started.IORequest)
		if len(errs) > 0 {
			newState.IsFlowResumed = true
			return TransitionResult{
				NewState:     newState,
				Actions:      []Action{ActionCreateTransaction{}},
				Continuation: ContinuationThrow{Err: errs[0]},
			}
		}

		switch req := started.IORequest.(type) {
		case IORequestSend:
			return sendTransition(ctx, state, req)
		case IORequestReceive:
			return receiveTransition(ctx, state, req)
		case IORequestSendAndReceive:
			return sendAndReceiveTransition(ctx, state, started, req)
		case IORequestCloseSessions:
			return closeSessionsTransition(ctx, state, req)
		case IORequestWaitForLedgerCommit:
			return waitForLedgerCommitTransition(ctx, state, req)
		case IORequestSleep:
			return sleepTransition(ctx, state, req)
		case IORequestGetFlowInfo:
			return getFlowInfoTransition(ctx, state, req)
		case IORequestWaitForSessionConfirmations:
			return waitForSessionConfirmationsTransition(ctx, state)
		case IORequestExecuteAsyncOperation:
			return executeAsyncOperationTransition(ctx, state, req)
		case IORequestForceCheckpoint:
			return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
				return b.resumeFlowLogic(nil)
			})
		default:
			panic(unexpected("io request", req))
		}
	}()

	if len(terminated) > 0 {
		result.Actions = append(result.Actions, ActionRemoveSessionBindings{SessionIDs: terminated})
	}
	return result
}

// terminateSessionsIfRequired removes ended sessions that have nothing left
// to deliver.
func terminateSessionsIfRequired(state StateMachineState) (StateMachineState, []SessionID) {
	sessions := state.Checkpoint.CheckpointState.Sessions
	var terminated []SessionID
	for _, id := range state.Checkpoint.CheckpointState.SessionsToBeClosed {
		s, ok := sessions[id].(SessionInitiated)
		if !ok {
			continue
		}
		if s.ToBeTerminated > 0 && s.LastSequenceNumberProcessed+1 == s.ToBeTerminated {
			terminated = append(terminated, id)
		}
	}
	if len(terminated) == 0 {
		return state, nil
	}
	slices.Sort(terminated)
	state.Checkpoint = state.Checkpoint.RemoveSessions(terminated...)
	return state, terminated
}

func collectRelevantErrorsToThrow(ctx *transitionContext, state StateMachineState, req FlowIORequest) (StateMachineState, []error) {
	cp := state.Checkpoint
	switch r := req.(type) {
	case IORequestSend:
		ids := sortedKeys(r.Messages)
		return state, append(collectErroredSessionErrors(cp, ids), collectEndedSessionErrors(ctx, cp, ids, true)...)
	case IORequestSendAndReceive:
		ids := sortedKeys(r.Messages)
		return state, append(collectErroredSessionErrors(cp, ids), collectEndedSessionErrors(ctx, cp, ids, true)...)
	case IORequestReceive:
		return state, append(collectErroredSessionErrors(cp, r.Sessions), collectEndedSessionErrors(ctx, cp, r.Sessions, false)...)
	case IORequestGetFlowInfo:
		return state, append(collectErroredSessionErrors(cp, r.Sessions), collectEndedSessionErrors(ctx, cp, r.Sessions, false)...)
	case IORequestWaitForLedgerCommit:
		return state, collectErroredSessionErrors(cp, cp.CheckpointState.Sessions.SortedIDs())
	case IORequestCloseSessions:
		return state, append(collectErroredSessionErrors(cp, r.Sessions), collectUncloseableSessions(cp, r.Sessions)...)
	case IORequestWaitForSessionConfirmations:
		return state, collectErroredInitiatingSessionErrors(cp)
	case IORequestSleep, IORequestExecuteAsyncOperation, IORequestForceCheckpoint:
		return state, nil
	default:
		panic(unexpected("io request", req))
	}
}

// collectErroredSessionErrors returns the rejection of unconfirmed sessions
// and the peer errors of confirmed ones. Errors stay on the session, so every
// later access raises them again.
func collectErroredSessionErrors(cp Checkpoint, ids []SessionID) []error {
	var errs []error
	for _, id := range ids {
		switch s := cp.CheckpointState.Sessions[id].(type) {
		case nil, SessionUninitiated:
		case SessionInitiating:
			if s.RejectionError != nil {
				errs = append(errs, s.RejectionError.Err)
			}
		case SessionInitiated:
			for _, fe := range s.Errors {
				errs = append(errs, fe.Err)
			}
		default:
			panic(unexpected("session state", s))
		}
	}
	return errs
}

// collectEndedSessionErrors reports sessions that no longer exist. When
// sending, a session the peer has ended is reported as well.
func collectEndedSessionErrors(ctx *transitionContext, cp Checkpoint, ids []SessionID, sending bool) []error {
	var errs []error
	for _, id := range ids {
		s, ok := cp.CheckpointState.Sessions[id]
		if !ok {
			errs = append(errs, &UnexpectedFlowEndError{
				Message:    fmt.Sprintf("Tried to access ended session %d", id),
				OriginalID: int64Ptr(ctx.random.Int63()),
			})
			continue
		}
		if !sending {
			continue
		}
		if in, ok := s.(SessionInitiated); ok {
			if _, live := in.PeerSinkSessionID(); !live {
				errs = append(errs, &UnexpectedFlowEndError{
					Message:    fmt.Sprintf("Tried to send to ended session %d", id),
					OriginalID: int64Ptr(ctx.random.Int63()),
					Peer:       in.PeerParty,
				})
			}
		}
	}
	return errs
}

func collectUncloseableSessions(cp Checkpoint, ids []SessionID) []error {
	var errs []error
	for _, id := range ids {
		s, ok := cp.CheckpointState.Sessions[id]
		if !ok {
			continue
		}
		if _, initiated := s.(SessionInitiated); !initiated {
			errs = append(errs, newPrematureSessionClose(id))
		}
	}
	return errs
}

func collectErroredInitiatingSessionErrors(cp Checkpoint) []error {
	var errs []error
	for _, id := range cp.CheckpointState.Sessions.SortedIDs() {
		if s, ok := cp.CheckpointState.Sessions[id].(SessionInitiating); ok && s.RejectionError != nil {
			errs = append(errs, s.RejectionError.Err)
		}
	}
	return errs
}

func sendTransition(ctx *transitionContext, state StateMachineState, req IORequestSend) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		sendToSessionsTransition(b, req.Messages)
		if b.isErrored() {
			return ContinuationProcessEvents{}
		}
		return b.resumeFlowLogic(nil)
	})
}

// sendToSessionsTransition sends to each session according to its stage:
// uninitiated sessions are opened with the payload as first message,
// initiating sessions buffer it, confirmed sessions send it directly.
func sendToSessionsTransition(b *transitionBuilder, messages map[SessionID][]byte) {
	sessions := maps.Clone(b.state.Checkpoint.CheckpointState.Sessions)
	var initials []ActionSendInitial
	var existing []ActionSendExisting

	for _, id := range sortedKeys(messages) {
		payload := messages[id]
		switch s := sessions[id].(type) {
		case nil:
			b.freshErrorTransition(newCannotFindSession(id))
			return
		case SessionUninitiated:
			initials = append(initials, ActionSendInitial{
				Destination:     s.Destination,
				Message:         createInitialSessionMessage(s, id, payload),
				DeduplicationID: b.senderDeduplicationID(newMessageID(MessageTypeInitial, id, 0, b.ctx.now)),
			})
			sessions[id] = SessionInitiating{SequenceNumber: 1}
		case SessionInitiating:
			buffered := slices.Clone(s.BufferedMessages)
			s.BufferedMessages = append(buffered, BufferedMessage{
				MessageID: newMessageID(MessageTypeData, id, s.SequenceNumber, b.ctx.now),
				Payload:   DataSessionMessage{Payload: payload},
			})
			s.SequenceNumber++
			sessions[id] = s
		case SessionInitiated:
			sink, _ := s.PeerSinkSessionID()
			existing = append(existing, ActionSendExisting{
				PeerParty:       s.PeerParty,
				Message:         ExistingSessionMessage{RecipientSessionID: sink, Payload: DataSessionMessage{Payload: payload}},
				DeduplicationID: b.senderDeduplicationID(newMessageID(MessageTypeData, id, s.SequenceNumber, b.ctx.now)),
			})
			s.SequenceNumber++
			sessions[id] = s
		default:
			panic(unexpected("session state", s))
		}
	}

	if len(initials) > 0 || len(existing) > 0 {
		b.add(ActionSendMultiple{SendInitial: initials, SendExisting: existing})
	}
	b.state.Checkpoint = b.state.Checkpoint.WithSessions(sessions)
}

func createInitialSessionMessage(s SessionUninitiated, source SessionID, payload []byte) InitialSessionMessage {
	return InitialSessionMessage{
		InitiatorSessionID:     source,
		InitiationEntropy:      s.AdditionalEntropy,
		InitiatorFlowClassName: s.InitiatingSubFlow.ClassToInitiateWith,
		FlowVersion:            s.InitiatingSubFlow.FlowInfo.FlowVersion,
		AppName:                s.InitiatingSubFlow.FlowInfo.AppName,
		FirstPayload:           payload,
	}
}

// sendInitialSessionMessagesIfNeeded opens the uninitiated sessions among ids
// without a payload. It returns false if the flow entered the error state.
func sendInitialSessionMessagesIfNeeded(b *transitionBuilder, ids []SessionID) bool {
	sessions := maps.Clone(b.state.Checkpoint.CheckpointState.Sessions)
	var initials []ActionSendInitial
	for _, id := range ids {
		s, ok := sessions[id]
		if !ok {
			b.freshErrorTransition(newCannotFindSession(id))
			return false
		}
		un, ok := s.(SessionUninitiated)
		if !ok {
			continue
		}
		initials = append(initials, ActionSendInitial{
			Destination:     un.Destination,
			Message:         createInitialSessionMessage(un, id, nil),
			DeduplicationID: b.senderDeduplicationID(newMessageID(MessageTypeInitial, id, 0, b.ctx.now)),
		})
		sessions[id] = SessionInitiating{SequenceNumber: 1}
	}
	if len(initials) > 0 {
		b.add(ActionSendMultiple{SendInitial: initials})
	}
	b.state.Checkpoint = b.state.Checkpoint.WithSessions(sessions)
	return true
}

func receiveTransition(ctx *transitionContext, state StateMachineState, req IORequestReceive) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !sendInitialSessionMessagesIfNeeded(b, req.Sessions) {
			return ContinuationProcessEvents{}
		}
		received, ok := receiveFromSessionsTransition(b, req.Sessions)
		if !ok {
			return ContinuationProcessEvents{}
		}
		return b.resumeFlowLogic(received)
	})
}

// receiveFromSessionsTransition takes the next message of every session, or
// nothing at all if any session does not have its next message yet.
func receiveFromSessionsTransition(b *transitionBuilder, ids []SessionID) (map[SessionID][]byte, bool) {
	sessions := b.state.Checkpoint.CheckpointState.Sessions
	next := make(SessionMap, len(sessions))
	maps.Copy(next, sessions)
	received := make(map[SessionID][]byte, len(ids))

	for _, id := range ids {
		s, ok := sessions[id].(SessionInitiated)
		if !ok {
			return nil, false
		}
		seq := s.LastSequenceNumberProcessed + 1
		payload, ok := s.ReceivedMessages[seq]
		if !ok {
			return nil, false
		}
		remaining := maps.Clone(s.ReceivedMessages)
		delete(remaining, seq)
		s = s.withReceived(remaining)
		s.LastSequenceNumberProcessed = seq
		next[id] = s
		received[id] = payload
	}

	b.state.Checkpoint = b.state.Checkpoint.WithSessions(next)
	return received, true
}

// sendAndReceiveTransition sends, then receives. If the replies are not all
// there yet the pending request becomes a plain Receive, so re-evaluating it
// never sends twice.
func sendAndReceiveTransition(ctx *transitionContext, state StateMachineState, started FlowStateStarted, req IORequestSendAndReceive) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		sendToSessionsTransition(b, req.Messages)
		if b.isErrored() {
			return ContinuationProcessEvents{}
		}
		ids := sortedKeys(req.Messages)
		received, ok := receiveFromSessionsTransition(b, ids)
		if !ok {
			b.state.Checkpoint.FlowState = FlowStateStarted{
				IORequest:   IORequestReceive{Sessions: ids},
				FrozenFiber: started.FrozenFiber,
			}
			return ContinuationProcessEvents{}
		}
		return b.resumeFlowLogic(received)
	})
}

func closeSessionsTransition(ctx *transitionContext, state StateMachineState, req IORequestCloseSessions) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		sessions := b.state.Checkpoint.CheckpointState.Sessions
		ids := slices.Sorted(slices.Values(req.Sessions))
		ids = slices.Compact(ids)

		var existing []SessionID
		var ends []ActionSendExisting
		for _, id := range ids {
			s, ok := sessions[id].(SessionInitiated)
			if !ok {
				ctx.logger.Warn("attempting to close an already closed session", "run_id", ctx.id, "session", id)
				continue
			}
			existing = append(existing, id)
			if sink, live := s.PeerSinkSessionID(); live {
				ends = append(ends, ActionSendExisting{
					PeerParty:       s.PeerParty,
					Message:         ExistingSessionMessage{RecipientSessionID: sink, Payload: EndSessionMessage{}},
					DeduplicationID: b.senderDeduplicationID(newMessageID(MessageTypeEnd, id, s.SequenceNumber, ctx.now)),
				})
			}
		}

		if len(existing) > 0 {
			b.state.Checkpoint = b.state.Checkpoint.RemoveSessions(existing...)
			b.add(ActionRemoveSessionBindings{SessionIDs: existing})
			if len(ends) > 0 {
				b.add(ActionSendMultiple{SendExisting: ends})
			}
		}
		return b.resumeFlowLogic(nil)
	})
}

// The next three requests start something outside the flow. IsWaitingForFuture
// makes sure extra DoRemainingWork events queued before the flow wakes up do
// not start it again.

func waitForLedgerCommitTransition(ctx *transitionContext, state StateMachineState, req IORequestWaitForLedgerCommit) TransitionResult {
	if state.IsWaitingForFuture {
		return noop(state)
	}
	next := state
	next.IsWaitingForFuture = true
	return TransitionResult{
		NewState: next,
		Actions: []Action{
			ActionCreateTransaction{},
			ActionTrackTransaction{TxHash: req.TxHash, State: next},
			ActionCommitTransaction{State: next},
		},
		Continuation: ContinuationProcessEvents{},
	}
}

func sleepTransition(ctx *transitionContext, state StateMachineState, req IORequestSleep) TransitionResult {
	if state.IsWaitingForFuture {
		return noop(state)
	}
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		b.state.IsWaitingForFuture = true
		b.add(ActionSleepUntil{State: b.state, Time: req.WakeUpAfter})
		return ContinuationProcessEvents{}
	})
}

func executeAsyncOperationTransition(ctx *transitionContext, state StateMachineState, req IORequestExecuteAsyncOperation) TransitionResult {
	if state.IsWaitingForFuture {
		return noop(state)
	}
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		// The suspend count tells apart several operations run by one flow.
		dedupID := fmt.Sprintf("%s:%d", ctx.id, b.state.Checkpoint.CheckpointState.NumberOfSuspends)
		b.state.IsWaitingForFuture = true
		b.add(ActionExecuteAsyncOperation{DeduplicationID: dedupID, Operation: req.Operation, State: b.state})
		return ContinuationProcessEvents{}
	})
}

func getFlowInfoTransition(ctx *transitionContext, state StateMachineState, req IORequestGetFlowInfo) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		// Peer flow info only arrives with the confirmation, so open any
		// session that has not been opened yet.
		if !sendInitialSessionMessagesIfNeeded(b, req.Sessions) {
			return ContinuationProcessEvents{}
		}
		infos := make(map[SessionID]FlowInfo, len(req.Sessions))
		for _, id := range req.Sessions {
			s, ok := b.state.Checkpoint.CheckpointState.Sessions[id].(SessionInitiated)
			if !ok {
				return ContinuationProcessEvents{}
			}
			infos[id] = s.PeerFlowInfo
		}
		return b.resumeFlowLogic(infos)
	})
}

func waitForSessionConfirmationsTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		for _, s := range b.state.Checkpoint.CheckpointState.Sessions {
			if _, ok := s.(SessionInitiating); ok {
				return ContinuationProcessEvents{}
			}
		}
		return b.resumeFlowLogic(nil)
	})
}

func sortedKeys[V any](m map[SessionID]V) []SessionID {
	return slices.Sorted(maps.Keys(m))
}
