package statemachine

import "maps"

// deliverSessionMessageTransition applies an inbound message to the session
// it is addressed to. The message's handler is kept pending until the next
// checkpoint makes its effect durable.
func deliverSessionMessageTransition(ctx *transitionContext, state StateMachineState, e EventDeliverSessionMessage) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		pending := make([]DeduplicationHandler, 0, len(b.state.PendingDeduplicationHandlers)+1)
		pending = append(pending, b.state.PendingDeduplicationHandlers...)
		b.state.PendingDeduplicationHandlers = append(pending, e.DeduplicationHandler)

		id := e.Message.RecipientSessionID
		session, ok := b.state.Checkpoint.CheckpointState.Sessions[id]
		if !ok {
			if _, end := e.Message.Payload.(EndSessionMessage); end {
				ctx.logger.Debug("ignoring end message for a closed session", "run_id", ctx.id, "session", id)
				b.add(ActionScheduleEvent{Event: EventDoRemainingWork{}})
			} else {
				b.freshErrorTransition(newCannotFindSession(id))
			}
			return ContinuationProcessEvents{}
		}

		switch p := e.Message.Payload.(type) {
		case ConfirmSessionMessage:
			confirmMessageTransition(b, id, session, e.Sender, p)
		case DataSessionMessage:
			dataMessageTransition(b, id, session, e.MessageID, p)
		case ErrorSessionMessage:
			errorMessageTransition(b, id, session, e.Sender, p)
		case RejectSessionMessage:
			rejectMessageTransition(b, id, session, p)
		case EndSessionMessage:
			endMessageTransition(b, id, session, e.MessageID)
		default:
			panic(unexpected("session payload", p))
		}

		b.add(ActionScheduleEvent{Event: EventDoRemainingWork{}})
		return ContinuationProcessEvents{}
	})
}

// confirmMessageTransition completes the handshake and flushes the messages
// buffered while the session was initiating.
func confirmMessageTransition(b *transitionBuilder, id SessionID, session SessionState, sender Party, confirm ConfirmSessionMessage) {
	initiating, ok := session.(SessionInitiating)
	if !ok {
		b.freshErrorTransition(newUnexpectedEvent("received session confirmation for session %d which is not initiating", id))
		return
	}
	initiated := SessionInitiated{
		PeerParty:                   sender,
		PeerFlowInfo:                confirm.InitiatedFlowInfo,
		ReceivedMessages:            map[int][]byte{},
		LastSequenceNumberProcessed: 0,
		InitiatedState:              InitiatedLive{PeerSinkSessionID: confirm.InitiatedSessionID},
		SequenceNumber:              initiating.SequenceNumber,
	}
	b.state.Checkpoint = b.state.Checkpoint.AddSession(id, initiated)

	if len(initiating.BufferedMessages) == 0 {
		return
	}
	sends := make([]ActionSendExisting, 0, len(initiating.BufferedMessages))
	for _, m := range initiating.BufferedMessages {
		sends = append(sends, ActionSendExisting{
			PeerParty:       initiated.PeerParty,
			Message:         ExistingSessionMessage{RecipientSessionID: confirm.InitiatedSessionID, Payload: m.Payload},
			DeduplicationID: b.senderDeduplicationID(m.MessageID),
		})
	}
	b.add(ActionSendMultiple{SendExisting: sends})
}

// dataMessageTransition buffers a payload under its sequence number. Replays
// of already processed or already buffered messages are dropped.
func dataMessageTransition(b *transitionBuilder, id SessionID, session SessionState, mid MessageIdentifier, data DataSessionMessage) {
	initiated, ok := session.(SessionInitiated)
	if !ok {
		b.freshErrorTransition(newUnexpectedEvent("received data for session %d which is not initiated", id))
		return
	}
	seq := mid.SequenceNumber
	if _, buffered := initiated.ReceivedMessages[seq]; buffered || seq <= initiated.LastSequenceNumberProcessed {
		b.ctx.logger.Debug("ignoring duplicate session message", "run_id", b.ctx.id, "session", id, "seq", seq)
		return
	}
	received := maps.Clone(initiated.ReceivedMessages)
	if received == nil {
		received = map[int][]byte{}
	}
	received[seq] = data.Payload
	b.state.Checkpoint = b.state.Checkpoint.AddSession(id, initiated.withReceived(received))
}

// errorMessageTransition records a peer failure on the session. The error is
// raised in user code the next time it touches the session.
func errorMessageTransition(b *transitionBuilder, id SessionID, session SessionState, sender Party, msg ErrorSessionMessage) {
	initiated, ok := session.(SessionInitiated)
	if !ok {
		b.freshErrorTransition(newUnexpectedEvent("received error for session %d which is not initiated", id))
		return
	}
	var err error
	if msg.FlowException != nil {
		err = &FlowException{
			Message:    msg.FlowException.Message,
			OriginalID: int64Ptr(msg.ErrorID),
			Peer:       sender,
		}
	} else {
		err = &UnexpectedFlowEndError{
			Message:    "Counter-flow errored",
			OriginalID: int64Ptr(msg.ErrorID),
			Peer:       sender,
		}
	}
	errs := make([]FlowError, 0, len(initiated.Errors)+1)
	errs = append(errs, initiated.Errors...)
	initiated.Errors = append(errs, FlowError{ErrorID: msg.ErrorID, Err: err})
	b.state.Checkpoint = b.state.Checkpoint.AddSession(id, initiated)
}

func rejectMessageTransition(b *transitionBuilder, id SessionID, session SessionState, msg RejectSessionMessage) {
	initiating, ok := session.(SessionInitiating)
	if !ok {
		b.freshErrorTransition(newUnexpectedEvent("received session rejection for session %d which is not initiating", id))
		return
	}
	if initiating.RejectionError != nil {
		b.freshErrorTransition(newUnexpectedEvent("received a second rejection for session %d", id))
		return
	}
	initiating.RejectionError = &FlowError{
		ErrorID: msg.ErrorID,
		Err:     &UnexpectedFlowEndError{Message: msg.Message, OriginalID: int64Ptr(msg.ErrorID)},
	}
	b.state.Checkpoint = b.state.Checkpoint.AddSession(id, initiating)
}

// endMessageTransition marks the session ended by the peer. It is torn down
// once user code has consumed every message sent before the end.
func endMessageTransition(b *transitionBuilder, id SessionID, session SessionState, mid MessageIdentifier) {
	if _, started := b.state.Checkpoint.FlowState.(FlowStateStarted); !started {
		b.freshErrorTransition(newUnexpectedEvent("received session end for session %d before the flow started", id))
		return
	}
	initiated, ok := session.(SessionInitiated)
	if !ok {
		b.freshErrorTransition(newPrematureSessionEnd(id))
		return
	}
	initiated.InitiatedState = InitiatedEnded{}
	initiated.ToBeTerminated = mid.SequenceNumber
	b.state.Checkpoint = b.state.Checkpoint.AddSession(id, initiated).AddSessionsToBeClosed(id)
}
