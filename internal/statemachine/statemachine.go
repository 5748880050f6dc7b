package statemachine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// StateMachine computes flow transitions. It holds no per-flow state and is
// safe for concurrent use as long as its RandomSource is.
type StateMachine struct {
	random RandomSource
	logger *slog.Logger
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithLogger sets the logger used for debug output of transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *StateMachine) {
		m.logger = logger
	}
}

// New creates a StateMachine drawing session and error ids from random.
func New(random RandomSource, opts ...Option) *StateMachine {
	m := &StateMachine{
		random: random,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition computes the result of applying event to state at time now.
//
// A transition that hits an unreachable case does not crash the runtime: the
// failure is raised in user code of the affected flow instead.
func (m *StateMachine) Transition(id RunID, event Event, state StateMachineState, now time.Time) (result TransitionResult) {
	ctx := &transitionContext{id: id, random: m.random, now: now, logger: m.logger}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = newIllegalState("%v", r)
		}
		m.logger.Error("transition failed", "run_id", id, "event", fmt.Sprintf("%T", event), "error", err)
		result = build(ctx, state, func(b *transitionBuilder) FlowContinuation {
			return b.throwToFlowLogic(err)
		})
	}()

	result = topLevelTransition(ctx, state, event)
	m.logger.Debug("transition",
		"run_id", id,
		"event", EventKind(event),
		"actions", len(result.Actions),
		"continuation", ContinuationKind(result.Continuation),
	)
	return result
}

// secureRandom reads ids from crypto/rand.
type secureRandom struct{}

// NewSecureRandom returns a RandomSource backed by crypto/rand.
func NewSecureRandom() RandomSource {
	return secureRandom{}
}

func (secureRandom) Int63() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("statemachine: crypto/rand: %v", err))
	}
	return int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
}

// EventKind returns a stable name for the event type, for logs and traces.
func EventKind(e Event) string {
	switch e.(type) {
	case EventDoRemainingWork:
		return "DoRemainingWork"
	case EventDeliverSessionMessage:
		return "DeliverSessionMessage"
	case EventError:
		return "Error"
	case EventTransactionCommitted:
		return "TransactionCommitted"
	case EventSoftShutdown:
		return "SoftShutdown"
	case EventStartErrorPropagation:
		return "StartErrorPropagation"
	case EventEnterSubFlow:
		return "EnterSubFlow"
	case EventLeaveSubFlow:
		return "LeaveSubFlow"
	case EventSuspend:
		return "Suspend"
	case EventFlowFinish:
		return "FlowFinish"
	case EventInitiateFlow:
		return "InitiateFlow"
	case EventAsyncOperationCompletion:
		return "AsyncOperationCompletion"
	case EventAsyncOperationThrows:
		return "AsyncOperationThrows"
	case EventRetryFlowFromSafePoint:
		return "RetryFlowFromSafePoint"
	case EventOvernightObservation:
		return "OvernightObservation"
	case EventWakeUpFromSleep:
		return "WakeUpFromSleep"
	case EventPause:
		return "Pause"
	case EventKill:
		return "Kill"
	default:
		panic(unexpected("event", e))
	}
}

// ActionKind returns a stable name for the action type.
func ActionKind(a Action) string {
	switch a.(type) {
	case ActionCreateTransaction:
		return "CreateTransaction"
	case ActionCommitTransaction:
		return "CommitTransaction"
	case ActionRollbackTransaction:
		return "RollbackTransaction"
	case ActionPersistCheckpoint:
		return "PersistCheckpoint"
	case ActionRemoveCheckpoint:
		return "RemoveCheckpoint"
	case ActionPersistDeduplicationFacts:
		return "PersistDeduplicationFacts"
	case ActionAcknowledgeMessages:
		return "AcknowledgeMessages"
	case ActionSendInitial:
		return "SendInitial"
	case ActionSendExisting:
		return "SendExisting"
	case ActionSendMultiple:
		return "SendMultiple"
	case ActionPropagateErrors:
		return "PropagateErrors"
	case ActionScheduleEvent:
		return "ScheduleEvent"
	case ActionExecuteAsyncOperation:
		return "ExecuteAsyncOperation"
	case ActionTrackTransaction:
		return "TrackTransaction"
	case ActionSleepUntil:
		return "SleepUntil"
	case ActionRemoveSessionBindings:
		return "RemoveSessionBindings"
	case ActionAddSessionBinding:
		return "AddSessionBinding"
	case ActionRemoveFlow:
		return "RemoveFlow"
	case ActionReleaseSoftLocks:
		return "ReleaseSoftLocks"
	case ActionSignalFlowHasStarted:
		return "SignalFlowHasStarted"
	case ActionRetryFlowFromSafePoint:
		return "RetryFlowFromSafePoint"
	case ActionUpdateFlowStatus:
		return "UpdateFlowStatus"
	case ActionMoveFlowToPaused:
		return "MoveFlowToPaused"
	default:
		panic(unexpected("action", a))
	}
}

// ActionKinds maps ActionKind over actions.
func ActionKinds(actions []Action) []string {
	kinds := make([]string, len(actions))
	for i, a := range actions {
		kinds[i] = ActionKind(a)
	}
	return kinds
}

// ContinuationKind returns a stable name for the continuation type.
func ContinuationKind(c FlowContinuation) string {
	switch c.(type) {
	case ContinuationResume:
		return "Resume"
	case ContinuationThrow:
		return "Throw"
	case ContinuationProcessEvents:
		return "ProcessEvents"
	case ContinuationAbort:
		return "Abort"
	default:
		panic(unexpected("continuation", c))
	}
}

// SessionKind returns a stable name for the session state type.
func SessionKind(s SessionState) string {
	switch st := s.(type) {
	case SessionUninitiated:
		return "Uninitiated"
	case SessionInitiating:
		return "Initiating"
	case SessionInitiated:
		if _, live := st.PeerSinkSessionID(); live {
			return "Initiated"
		}
		return "Ended"
	default:
		panic(unexpected("session state", s))
	}
}

// FlowStateKind returns a stable name for the flow state type.
func FlowStateKind(fs FlowState) string {
	switch fs.(type) {
	case FlowStateUnstarted:
		return "Unstarted"
	case FlowStateStarted:
		return "Started"
	case FlowStateFinished:
		return "Finished"
	case FlowStatePaused:
		return "Paused"
	default:
		panic(unexpected("flow state", fs))
	}
}

// IORequestKind returns a stable name for the request type, or "" for nil.
func IORequestKind(r FlowIORequest) string {
	switch r.(type) {
	case nil:
		return ""
	case IORequestSend:
		return "Send"
	case IORequestReceive:
		return "Receive"
	case IORequestSendAndReceive:
		return "SendAndReceive"
	case IORequestCloseSessions:
		return "CloseSessions"
	case IORequestWaitForLedgerCommit:
		return "WaitForLedgerCommit"
	case IORequestSleep:
		return "Sleep"
	case IORequestGetFlowInfo:
		return "GetFlowInfo"
	case IORequestWaitForSessionConfirmations:
		return "WaitForSessionConfirmations"
	case IORequestExecuteAsyncOperation:
		return "ExecuteAsyncOperation"
	case IORequestForceCheckpoint:
		return "ForceCheckpoint"
	default:
		panic(unexpected("io request", r))
	}
}
