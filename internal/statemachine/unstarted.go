package statemachine

// unstartedFlowTransition is the first transition of a flow run. A flow that
// has never been checkpointed writes its initial checkpoint first, so a crash
// before the first suspension restarts it rather than losing it. A responder
// flow then confirms the session that started it.
func unstartedFlowTransition(ctx *transitionContext, state StateMachineState, unstarted FlowStateUnstarted) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !b.state.IsAnyCheckpointPersisted && !b.state.IsStartIdempotent {
			createInitialCheckpoint(b)
		}
		if initiated, ok := unstarted.FlowStart.(FlowStartInitiated); ok {
			initialiseInitiatedSession(b, initiated)
		}
		b.state.IsFlowResumed = true
		b.add(
			ActionCreateTransaction{},
			ActionSignalFlowHasStarted{RunID: ctx.id},
		)
		return ContinuationResume{Value: nil}
	})
}

func createInitialCheckpoint(b *transitionBuilder) {
	pending := b.state.PendingDeduplicationHandlers
	b.add(
		ActionCreateTransaction{},
		ActionPersistCheckpoint{RunID: b.ctx.id, Checkpoint: b.state.Checkpoint, IsCheckpointUpdate: b.state.IsAnyCheckpointPersisted},
		ActionPersistDeduplicationFacts{Handlers: pending},
	)
	b.state.PendingDeduplicationHandlers = nil
	b.state.Checkpoint.CheckpointState.NumberOfSuspends++
	b.state.Checkpoint.CheckpointState.NumberOfCommits++
	b.state.IsAnyCheckpointPersisted = true
	b.add(
		ActionCommitTransaction{State: b.state},
		ActionAcknowledgeMessages{Handlers: pending},
	)
}

// initialiseInitiatedSession records the session opened by the peer and sends
// the confirmation. A first payload carried by the initial message becomes
// message 0 of the session.
func initialiseInitiatedSession(b *transitionBuilder, start FlowStartInitiated) {
	msg := start.InitiatingMessage
	received := map[int][]byte{}
	last := 0
	if msg.FirstPayload != nil {
		received[0] = msg.FirstPayload
		last = -1
	}
	session := SessionInitiated{
		PeerParty:                   start.PeerParty,
		PeerFlowInfo:                FlowInfo{FlowVersion: msg.FlowVersion, AppName: msg.AppName},
		ReceivedMessages:            received,
		LastSequenceNumberProcessed: last,
		InitiatedState:              InitiatedLive{PeerSinkSessionID: msg.InitiatorSessionID},
		SequenceNumber:              1,
	}
	b.state.Checkpoint = b.state.Checkpoint.WithSessions(SessionMap{start.InitiatedSessionID: session})
	b.add(ActionSendExisting{
		PeerParty: start.PeerParty,
		Message: ExistingSessionMessage{
			RecipientSessionID: msg.InitiatorSessionID,
			Payload: ConfirmSessionMessage{
				InitiatedSessionID: start.InitiatedSessionID,
				InitiatedFlowInfo:  start.InitiatedFlowInfo,
			},
		},
		DeduplicationID: b.senderDeduplicationID(newMessageID(MessageTypeConfirm, start.InitiatedSessionID, 0, b.ctx.now)),
	})
}
