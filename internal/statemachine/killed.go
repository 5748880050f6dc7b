package statemachine

// killedFlowTransition handles every event of a killed flow. The flow tells
// its peers it was killed, then is removed without running user code again.
func killedFlowTransition(ctx *transitionContext, state StateMachineState, event Event) TransitionResult {
	b := newPropagateErrorTransitionBuilder(ctx, state)
	if state.IsRemoved {
		return b.result(ContinuationAbort{})
	}

	var err error
	switch e := event.(type) {
	case EventError:
		err = e.Err
	case EventKill:
		err = e.Reason
	}
	if err == nil {
		err = &KilledFlowError{RunID: ctx.id}
	}
	killed := FlowError{ErrorID: ctx.random.Int63(), Err: err}

	messages := []ErrorSessionMessage{createErrorMessageFromError(killed)}
	targets, sessions := b.bufferErrorMessagesInInitiatingSessions(state.Checkpoint.CheckpointState.Sessions, messages)
	b.state.Checkpoint = b.state.Checkpoint.WithSessions(sessions)
	b.state.Checkpoint.Status = StatusKilled
	b.add(ActionPropagateErrors{ErrorMessages: messages, Sessions: targets, SenderUUID: state.SenderUUID})

	var checkpointAction Action
	if state.IsAnyCheckpointPersisted {
		checkpointAction = ActionRemoveCheckpoint{RunID: ctx.id}
	}
	ctx.logger.Info("flow killed", "run_id", ctx.id, "reason", err)
	b.addCleanupActions(!state.IsFlowResumed, checkpointAction, RemovalKilled{Error: killed})
	return b.result(ContinuationAbort{})
}
