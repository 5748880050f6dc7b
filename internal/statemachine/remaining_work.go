package statemachine

// doRemainingWorkTransition does nothing for a flow whose user code already
// runs this tick or that is gone. Otherwise it advances error handling or
// the lifecycle stage.
func doRemainingWorkTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	if state.IsFlowResumed || state.IsRemoved {
		return noop(state)
	}
	switch es := state.Checkpoint.ErrorState.(type) {
	case ErrorStateErrored:
		return errorFlowTransition(ctx, state, es)
	case ErrorStateClean:
		return cleanTransition(ctx, state)
	default:
		panic(unexpected("error state", es))
	}
}

func cleanTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	switch fs := state.Checkpoint.FlowState.(type) {
	case FlowStateUnstarted:
		return unstartedFlowTransition(ctx, state, fs)
	case FlowStateStarted:
		return startedFlowTransition(ctx, state, fs)
	case FlowStateFinished:
		panic(newIllegalState("cannot do remaining work for a finished flow"))
	case FlowStatePaused:
		panic(newIllegalState("cannot do remaining work for a paused flow"))
	default:
		panic(unexpected("flow state", fs))
	}
}
