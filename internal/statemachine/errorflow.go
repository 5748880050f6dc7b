package statemachine

// errorFlowTransition drives an errored flow. Errors that arrived since the
// last propagation are sent to peers once the hospital decided to propagate.
// The flow is then removed, but only after every session still waiting for
// its confirmation has been confirmed or rejected, so the errors buffered in
// it reach the peer.
func errorFlowTransition(ctx *transitionContext, state StateMachineState, es ErrorStateErrored) TransitionResult {
	b := newPropagateErrorTransitionBuilder(ctx, state)
	remaining := es.Errors[es.PropagatedIndex:]

	if len(remaining) > 0 {
		if !es.Propagating {
			return b.result(ContinuationProcessEvents{})
		}
		messages := make([]ErrorSessionMessage, 0, len(remaining))
		for _, fe := range remaining {
			messages = append(messages, createErrorMessageFromError(fe))
		}
		targets, sessions := b.bufferErrorMessagesInInitiatingSessions(b.state.Checkpoint.CheckpointState.Sessions, messages)
		es.PropagatedIndex = len(es.Errors)
		b.state.Checkpoint = b.state.Checkpoint.WithSessions(sessions)
		b.state.Checkpoint.ErrorState = es
		b.add(ActionPropagateErrors{ErrorMessages: messages, Sessions: targets, SenderUUID: b.state.SenderUUID})
	}

	if b.state.IsRemoved {
		return b.result(ContinuationAbort{})
	}

	b.state.Checkpoint.Status = StatusFailed
	if hasUnrejectedInitiatingSession(b.state.Checkpoint.CheckpointState.Sessions) {
		return b.result(ContinuationProcessEvents{})
	}

	ctx.logger.Info("flow failed", "run_id", ctx.id, "errors", len(es.Errors))
	b.addCleanupActions(true, removeOrPersistCheckpoint(ctx, b.state), RemovalErrorFinish{Errors: es.Errors})
	return b.result(ContinuationAbort{})
}

// removeOrPersistCheckpoint deletes the checkpoint of a finished flow unless
// a client asked to collect the outcome later.
func removeOrPersistCheckpoint(ctx *transitionContext, state StateMachineState) Action {
	if state.Checkpoint.CheckpointState.InvocationContext.ClientID == "" {
		return ActionRemoveCheckpoint{RunID: ctx.id}
	}
	cp := state.Checkpoint
	cp.FlowState = FlowStateFinished{}
	return ActionPersistCheckpoint{RunID: ctx.id, Checkpoint: cp, IsCheckpointUpdate: state.IsAnyCheckpointPersisted}
}
