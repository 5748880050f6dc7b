package statemachine

import (
	"slices"
)

// topLevelTransition dispatches on the event type.
func topLevelTransition(ctx *transitionContext, state StateMachineState, event Event) TransitionResult {
	if state.IsKilled {
		return killedFlowTransition(ctx, state, event)
	}

	switch e := event.(type) {
	case EventDoRemainingWork:
		return doRemainingWorkTransition(ctx, state)
	case EventDeliverSessionMessage:
		return deliverSessionMessageTransition(ctx, state, e)
	case EventError:
		return errorTransition(ctx, state, e)
	case EventTransactionCommitted:
		return transactionCommittedTransition(ctx, state, e)
	case EventSoftShutdown:
		return softShutdownTransition(ctx, state)
	case EventStartErrorPropagation:
		return startErrorPropagationTransition(ctx, state)
	case EventEnterSubFlow:
		return enterSubFlowTransition(ctx, state, e)
	case EventLeaveSubFlow:
		return leaveSubFlowTransition(ctx, state)
	case EventSuspend:
		return suspendTransition(ctx, state, e)
	case EventFlowFinish:
		return flowFinishTransition(ctx, state, e)
	case EventInitiateFlow:
		return initiateFlowTransition(ctx, state, e)
	case EventAsyncOperationCompletion:
		return asyncOperationCompletionTransition(ctx, state, e)
	case EventAsyncOperationThrows:
		return asyncOperationThrowsTransition(ctx, state, e)
	case EventRetryFlowFromSafePoint:
		return retryFlowFromSafePointTransition(ctx, state)
	case EventOvernightObservation:
		return overnightObservationTransition(ctx, state)
	case EventWakeUpFromSleep:
		return wakeUpFromSleepTransition(ctx, state)
	case EventPause:
		return pausedFlowTransition(ctx, state)
	case EventKill:
		state.IsKilled = true
		return killedFlowTransition(ctx, state, e)
	default:
		panic(unexpected("event", event))
	}
}

func errorTransition(ctx *transitionContext, state StateMachineState, e EventError) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		b.freshErrorTransition(e.Err)
		return ContinuationProcessEvents{}
	})
}

func transactionCommittedTransition(ctx *transitionContext, state StateMachineState, e EventTransactionCommitted) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !isWaitingForLedgerCommit(b.state, e.TxHash) {
			b.freshErrorTransition(newUnexpectedEvent("transaction %s committed but the flow is not waiting for it", e.TxHash))
			return ContinuationProcessEvents{}
		}
		b.state.IsWaitingForFuture = false
		if b.isErrored() {
			return ContinuationProcessEvents{}
		}
		return b.resumeFlowLogic(e.TxHash)
	})
}

func isWaitingForLedgerCommit(state StateMachineState, txHash string) bool {
	if !state.IsWaitingForFuture {
		return false
	}
	started, ok := state.Checkpoint.FlowState.(FlowStateStarted)
	if !ok {
		return false
	}
	req, ok := started.IORequest.(IORequestWaitForLedgerCommit)
	return ok && req.TxHash == txHash
}

func softShutdownTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	last := state
	last.IsRemoved = true
	return TransitionResult{
		NewState: last,
		Actions: []Action{
			ActionRemoveSessionBindings{SessionIDs: state.Checkpoint.CheckpointState.Sessions.SortedIDs()},
			ActionRemoveFlow{RunID: ctx.id, Reason: RemovalSoftShutdown{}, State: last},
		},
		Continuation: ContinuationAbort{},
	}
}

func startErrorPropagationTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		switch es := b.state.Checkpoint.ErrorState.(type) {
		case ErrorStateClean:
			b.freshErrorTransition(newUnexpectedEvent("error propagation started for a clean flow"))
		case ErrorStateErrored:
			es.Propagating = true
			b.state.Checkpoint.ErrorState = es
			b.add(ActionScheduleEvent{Event: EventDoRemainingWork{}})
		default:
			panic(unexpected("error state", es))
		}
		return ContinuationProcessEvents{}
	})
}

func enterSubFlowTransition(ctx *transitionContext, state StateMachineState, e EventEnterSubFlow) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if err := validateSubFlow(e.SubFlow); err != nil {
			b.freshErrorTransition(err)
			return ContinuationProcessEvents{}
		}
		b.state.Checkpoint = b.state.Checkpoint.AddSubFlow(e.SubFlow)
		return ContinuationProcessEvents{}
	})
}

func leaveSubFlowTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		stack := b.state.Checkpoint.CheckpointState.SubFlowStack
		if len(stack) == 0 {
			b.freshErrorTransition(newUnexpectedEvent("left a sub-flow with an empty sub-flow stack"))
			return ContinuationProcessEvents{}
		}
		b.state.Checkpoint = b.state.Checkpoint.WithSubFlows(slices.Clone(stack[:len(stack)-1]))
		return ContinuationProcessEvents{}
	})
}

// suspendTransition is the only place a checkpoint of a running flow is
// written. Persisting, recording deduplication facts, committing and
// acknowledging happen as one unit.
func suspendTransition(ctx *transitionContext, state StateMachineState, e EventSuspend) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		cp := state.Checkpoint
		cp.CheckpointState.NumberOfSuspends++
		cp.CheckpointState.NumberOfCommits++
		cp.FlowState = FlowStateStarted{IORequest: e.IORequest, FrozenFiber: e.Fiber}
		cp.FlowIORequest = IORequestKind(e.IORequest)
		cp.ProgressStep = e.ProgressStep

		if e.MaySkipCheckpoint {
			b.state.Checkpoint = cp
			b.state.IsFlowResumed = false
			b.add(
				ActionCommitTransaction{State: b.state},
				ActionScheduleEvent{Event: EventDoRemainingWork{}},
			)
			return ContinuationProcessEvents{}
		}

		pending := state.PendingDeduplicationHandlers
		b.state.Checkpoint = cp
		b.state.PendingDeduplicationHandlers = nil
		b.state.IsFlowResumed = false
		b.state.IsAnyCheckpointPersisted = true
		b.add(
			ActionPersistCheckpoint{RunID: ctx.id, Checkpoint: cp, IsCheckpointUpdate: state.IsAnyCheckpointPersisted},
			ActionPersistDeduplicationFacts{Handlers: pending},
			ActionCommitTransaction{State: b.state},
			ActionAcknowledgeMessages{Handlers: pending},
			ActionScheduleEvent{Event: EventDoRemainingWork{}},
		)
		return ContinuationProcessEvents{}
	})
}

func flowFinishTransition(ctx *transitionContext, state StateMachineState, e EventFlowFinish) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if b.isErrored() {
			b.state.IsFlowResumed = false
			b.add(ActionRollbackTransaction{})
			return ContinuationProcessEvents{}
		}

		cp := state.Checkpoint
		cp.CheckpointState.NumberOfSuspends++
		cp.CheckpointState.NumberOfCommits++
		cp.FlowState = FlowStateFinished{}
		cp.Result = e.Result
		cp.Status = StatusCompleted

		pending := state.PendingDeduplicationHandlers
		b.state.Checkpoint = cp
		b.state.PendingDeduplicationHandlers = nil
		b.state.IsFlowResumed = false
		b.state.IsRemoved = true

		if state.Checkpoint.CheckpointState.InvocationContext.ClientID == "" {
			if state.IsAnyCheckpointPersisted {
				b.add(ActionRemoveCheckpoint{RunID: ctx.id})
			}
		} else {
			b.add(ActionPersistCheckpoint{RunID: ctx.id, Checkpoint: cp, IsCheckpointUpdate: state.IsAnyCheckpointPersisted})
		}
		b.add(
			ActionPersistDeduplicationFacts{Handlers: pending},
			ActionReleaseSoftLocks{LockID: e.SoftLocksID},
			ActionCommitTransaction{State: b.state},
			ActionAcknowledgeMessages{Handlers: pending},
		)
		if ends := endMessages(b, state.Checkpoint.CheckpointState.Sessions); len(ends) > 0 {
			b.add(ActionSendMultiple{SendExisting: ends})
		}
		b.add(
			ActionRemoveSessionBindings{SessionIDs: state.Checkpoint.CheckpointState.Sessions.SortedIDs()},
			ActionRemoveFlow{RunID: ctx.id, Reason: RemovalOrderlyFinish{Result: e.Result}, State: b.state},
		)
		// Resume so the fiber can return.
		return ContinuationResume{Value: nil}
	})
}

// endMessages builds an end message for every live confirmed session.
func endMessages(b *transitionBuilder, sessions SessionMap) []ActionSendExisting {
	var sends []ActionSendExisting
	for _, id := range sessions.SortedIDs() {
		s, ok := sessions[id].(SessionInitiated)
		if !ok {
			continue
		}
		sink, live := s.PeerSinkSessionID()
		if !live {
			continue
		}
		sends = append(sends, ActionSendExisting{
			PeerParty:       s.PeerParty,
			Message:         ExistingSessionMessage{RecipientSessionID: sink, Payload: EndSessionMessage{}},
			DeduplicationID: b.senderDeduplicationID(newMessageID(MessageTypeEnd, id, s.SequenceNumber, b.ctx.now)),
		})
	}
	return sends
}

func initiateFlowTransition(ctx *transitionContext, state StateMachineState, e EventInitiateFlow) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		initiating, ok := closestInitiatingSubFlow(b.state.Checkpoint.CheckpointState.SubFlowStack)
		if !ok {
			b.freshErrorTransition(newIllegalState("tried to initiate a session to %s from a flow that is not initiating", e.Destination))
			return ContinuationProcessEvents{}
		}
		sourceID := newSessionID(ctx.random)
		b.state.Checkpoint = b.state.Checkpoint.AddSession(sourceID, SessionUninitiated{
			Destination:       e.Destination,
			InitiatingSubFlow: initiating,
			SourceSessionID:   sourceID,
			AdditionalEntropy: ctx.random.Int63(),
		})
		b.add(ActionAddSessionBinding{RunID: ctx.id, SessionID: sourceID})
		return ContinuationResume{Value: sourceID}
	})
}

func isPendingRequest[T FlowIORequest](state StateMachineState) bool {
	started, ok := state.Checkpoint.FlowState.(FlowStateStarted)
	if !ok {
		return false
	}
	_, ok = started.IORequest.(T)
	return ok
}

func asyncOperationCompletionTransition(ctx *transitionContext, state StateMachineState, e EventAsyncOperationCompletion) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !isPendingRequest[IORequestExecuteAsyncOperation](b.state) {
			b.freshErrorTransition(newUnexpectedEvent("async operation completed but the flow is not waiting for one"))
			return ContinuationProcessEvents{}
		}
		b.state.IsWaitingForFuture = false
		if b.isErrored() {
			return ContinuationProcessEvents{}
		}
		return b.resumeFlowLogic(e.Result)
	})
}

func asyncOperationThrowsTransition(ctx *transitionContext, state StateMachineState, e EventAsyncOperationThrows) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !isPendingRequest[IORequestExecuteAsyncOperation](b.state) {
			b.freshErrorTransition(newUnexpectedEvent("async operation failed but the flow is not waiting for one"))
			return ContinuationProcessEvents{}
		}
		b.state.IsWaitingForFuture = false
		if b.isErrored() {
			return ContinuationProcessEvents{}
		}
		return b.throwToFlowLogic(e.Err)
	})
}

func wakeUpFromSleepTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !isPendingRequest[IORequestSleep](b.state) {
			b.freshErrorTransition(newUnexpectedEvent("woken up but the flow is not sleeping"))
			return ContinuationProcessEvents{}
		}
		b.state.IsWaitingForFuture = false
		if b.isErrored() {
			return ContinuationProcessEvents{}
		}
		return b.resumeFlowLogic(nil)
	})
}

func retryFlowFromSafePointTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		b.add(ActionRetryFlowFromSafePoint{State: b.state})
		return ContinuationAbort{}
	})
}

// overnightObservationTransition parks a flow in the hospital. Only the
// handlers that started the flow are acknowledged, so the flow start is not
// replayed while the rest of the inbound messages stay pending.
func overnightObservationTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		var starts, rest []DeduplicationHandler
		for _, h := range state.PendingDeduplicationHandlers {
			if h.isFlowStart() {
				starts = append(starts, h)
			} else {
				rest = append(rest, h)
			}
		}
		persisted := state.Checkpoint
		persisted.Status = StatusHospitalized

		b.state.Checkpoint.Status = StatusHospitalized
		b.state.Checkpoint.CheckpointState.NumberOfCommits++
		b.state.PendingDeduplicationHandlers = rest

		b.add(
			ActionCreateTransaction{},
			ActionPersistDeduplicationFacts{Handlers: starts},
			ActionPersistCheckpoint{RunID: ctx.id, Checkpoint: persisted, IsCheckpointUpdate: state.IsAnyCheckpointPersisted},
			ActionCommitTransaction{State: b.state},
			ActionAcknowledgeMessages{Handlers: starts},
		)
		b.state.IsAnyCheckpointPersisted = true
		return ContinuationProcessEvents{}
	})
}

func pausedFlowTransition(ctx *transitionContext, state StateMachineState) TransitionResult {
	return build(ctx, state, func(b *transitionBuilder) FlowContinuation {
		if !state.IsFlowResumed {
			b.add(ActionCreateTransaction{})
		}
		b.state.Checkpoint.Status = StatusPaused
		b.add(
			ActionUpdateFlowStatus{RunID: ctx.id, Status: StatusPaused},
			ActionCommitTransaction{State: b.state},
			ActionMoveFlowToPaused{State: b.state},
		)
		return ContinuationAbort{}
	})
}
