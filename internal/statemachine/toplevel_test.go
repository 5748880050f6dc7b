package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsm/internal/testutil"
)

func runningState(topLevel SubFlow) StateMachineState {
	cp := NewCheckpoint(InvocationContext{Actor: "test"}, "A", FlowStartExplicit{}, nil, topLevel)
	st := NewStateMachineState(cp, "uuid-a")
	st.IsFlowResumed = true
	st.IsAnyCheckpointPersisted = true
	return st
}

func TestInitiateFlow_CreatesUninitiatedSession(t *testing.T) {
	m, _ := newTestMachine()

	result := apply(t, m, runningState(pingFlow), EventInitiateFlow{Destination: "B"})

	assert.Equal(t, ContinuationResume{Value: SessionID(1000)}, result.Continuation)
	assert.Equal(t, []Action{ActionAddSessionBinding{RunID: testRunID, SessionID: 1000}}, result.Actions)
	assert.Equal(t, SessionUninitiated{
		Destination:       "B",
		InitiatingSubFlow: pingFlow,
		SourceSessionID:   1000,
		AdditionalEntropy: 1001,
	}, result.NewState.Checkpoint.CheckpointState.Sessions[1000])
}

func TestInitiateFlow_WithoutInitiatingSubFlowErrors(t *testing.T) {
	m, _ := newTestMachine()

	result := apply(t, m, runningState(SubFlowInlined{FlowClass: "Inline"}), EventInitiateFlow{Destination: "B"})

	assert.Equal(t, ContinuationProcessEvents{}, result.Continuation)
	assert.Equal(t, []string{"RollbackTransaction", "ScheduleEvent"}, ActionKinds(result.Actions))
	assert.False(t, result.NewState.IsFlowResumed)
	es := erroredState(t, result.NewState)
	require.Len(t, es.Errors, 1)
	assert.True(t, IsIllegalState(es.Errors[0].Err))
	assert.Empty(t, result.NewState.Checkpoint.CheckpointState.Sessions)
}

func TestSubFlowStack(t *testing.T) {
	m, _ := newTestMachine()
	inline := SubFlowInlined{FlowClass: "Inner"}

	result := apply(t, m, runningState(pingFlow), EventEnterSubFlow{SubFlow: inline})
	assert.Equal(t, []SubFlow{pingFlow, inline}, result.NewState.Checkpoint.CheckpointState.SubFlowStack)

	result = apply(t, m, result.NewState, EventLeaveSubFlow{})
	assert.Equal(t, []SubFlow{pingFlow}, result.NewState.Checkpoint.CheckpointState.SubFlowStack)
}

func TestEnterSubFlow_RejectsVersionZero(t *testing.T) {
	m, _ := newTestMachine()
	bad := SubFlowInitiating{FlowClass: "X", ClassToInitiateWith: "X", FlowInfo: FlowInfo{FlowVersion: 0}}

	result := apply(t, m, runningState(pingFlow), EventEnterSubFlow{SubFlow: bad})

	es := erroredState(t, result.NewState)
	assert.True(t, IsIllegalState(es.Errors[0].Err))
}

func TestUnstartedExplicitFlow_WritesInitialCheckpoint(t *testing.T) {
	m, _ := newTestMachine()
	cp := NewCheckpoint(InvocationContext{}, "A", FlowStartExplicit{}, []byte("logic"), pingFlow)
	start := DeduplicationHandler{ID: "start", Cause: CauseFlowStart}
	state := NewStateMachineState(cp, "uuid-a", start)

	result := apply(t, m, state, EventDoRemainingWork{})

	assert.Equal(t, []string{
		"CreateTransaction",
		"PersistCheckpoint",
		"PersistDeduplicationFacts",
		"CommitTransaction",
		"AcknowledgeMessages",
		"CreateTransaction",
		"SignalFlowHasStarted",
	}, ActionKinds(result.Actions))
	assert.Equal(t, ContinuationResume{Value: nil}, result.Continuation)
	assert.True(t, result.NewState.IsAnyCheckpointPersisted)
	assert.True(t, result.NewState.IsFlowResumed)
	assert.Empty(t, result.NewState.PendingDeduplicationHandlers)
	assert.Equal(t, []DeduplicationHandler{start}, result.Actions[2].(ActionPersistDeduplicationFacts).Handlers)
}

func TestUnstartedIdempotentFlow_SkipsInitialCheckpoint(t *testing.T) {
	m, _ := newTestMachine()
	cp := NewCheckpoint(InvocationContext{}, "A", FlowStartExplicit{}, nil, pingFlow)
	state := NewStateMachineState(cp, "uuid-a")
	state.IsStartIdempotent = true

	result := apply(t, m, state, EventDoRemainingWork{})

	assert.Equal(t, []string{"CreateTransaction", "SignalFlowHasStarted"}, ActionKinds(result.Actions))
}

func TestUnstartedInitiatedFlow_ConfirmsSession(t *testing.T) {
	m, _ := newTestMachine()
	initial := InitialSessionMessage{
		InitiatorSessionID:     1000,
		InitiatorFlowClassName: "PingFlow",
		FlowVersion:            1,
		AppName:                "pingpong",
		FirstPayload:           []byte("ping"),
	}
	start := FlowStartInitiated{
		PeerParty:          "A",
		InitiatedSessionID: 5000,
		InitiatingMessage:  initial,
		InitiatedFlowInfo:  FlowInfo{FlowVersion: 1, AppName: "pong"},
	}
	cp := NewCheckpoint(InvocationContext{}, "B", start, nil, SubFlowInlined{FlowClass: "PongFlow"})
	state := NewStateMachineState(cp, "uuid-b", DeduplicationHandler{ID: "init", Cause: CauseSessionInit})

	result := apply(t, m, state, EventDoRemainingWork{})

	sends := sendsOf(result.Actions)
	require.Len(t, sends, 1)
	assert.Equal(t, ExistingSessionMessage{
		RecipientSessionID: 1000,
		Payload:            ConfirmSessionMessage{InitiatedSessionID: 5000, InitiatedFlowInfo: FlowInfo{FlowVersion: 1, AppName: "pong"}},
	}, sends[0].Message)
	assert.Equal(t, "uuid-b/confirm-5000-0", sends[0].DeduplicationID.Key())

	s := result.NewState.Checkpoint.CheckpointState.Sessions[5000].(SessionInitiated)
	assert.Equal(t, -1, s.LastSequenceNumberProcessed)
	assert.Equal(t, map[int][]byte{0: []byte("ping")}, s.ReceivedMessages)
	assert.Equal(t, 1, s.SequenceNumber)
}

func TestSuspend_PersistsCheckpoint(t *testing.T) {
	m, _ := newTestMachine()
	state := runningState(pingFlow)
	state.PendingDeduplicationHandlers = []DeduplicationHandler{handlerA}
	req := IORequestReceive{Sessions: []SessionID{1}}

	result := apply(t, m, state, EventSuspend{IORequest: req, Fiber: []byte("f1"), ProgressStep: "waiting"})

	assert.Equal(t, []string{
		"PersistCheckpoint",
		"PersistDeduplicationFacts",
		"CommitTransaction",
		"AcknowledgeMessages",
		"ScheduleEvent",
	}, ActionKinds(result.Actions))
	persist := result.Actions[0].(ActionPersistCheckpoint)
	assert.True(t, persist.IsCheckpointUpdate)
	assert.Equal(t, FlowStateStarted{IORequest: req, FrozenFiber: []byte("f1")}, persist.Checkpoint.FlowState)
	assert.Equal(t, "Receive", persist.Checkpoint.FlowIORequest)
	assert.Equal(t, 1, persist.Checkpoint.CheckpointState.NumberOfSuspends)
	assert.Equal(t, []DeduplicationHandler{handlerA}, result.Actions[3].(ActionAcknowledgeMessages).Handlers)
	assert.False(t, result.NewState.IsFlowResumed)
	assert.Empty(t, result.NewState.PendingDeduplicationHandlers)
}

func TestSuspend_MaySkipCheckpoint(t *testing.T) {
	m, _ := newTestMachine()
	state := runningState(pingFlow)
	state.PendingDeduplicationHandlers = []DeduplicationHandler{handlerA}

	result := apply(t, m, state, EventSuspend{IORequest: IORequestForceCheckpoint{}, MaySkipCheckpoint: true})

	assert.Equal(t, []string{"CommitTransaction", "ScheduleEvent"}, ActionKinds(result.Actions))
	assert.Equal(t, []DeduplicationHandler{handlerA}, result.NewState.PendingDeduplicationHandlers)
}

func TestFlowFinish_RemovesCheckpointAndEndsSessions(t *testing.T) {
	m, _ := newTestMachine()
	state := runningState(pingFlow)
	state.Checkpoint.CheckpointState.Sessions = SessionMap{1: liveSession("B", 50)}

	result := apply(t, m, state, EventFlowFinish{Result: []byte(`"done"`), SoftLocksID: "run-a"})

	assert.Equal(t, []string{
		"RemoveCheckpoint",
		"PersistDeduplicationFacts",
		"ReleaseSoftLocks",
		"CommitTransaction",
		"AcknowledgeMessages",
		"SendMultiple",
		"RemoveSessionBindings",
		"RemoveFlow",
	}, ActionKinds(result.Actions))
	assert.Equal(t, EndSessionMessage{}, sendsOf(result.Actions)[0].Message.Payload)
	assert.Equal(t, ContinuationResume{Value: nil}, result.Continuation)
	assert.True(t, result.NewState.IsRemoved)
	assert.Equal(t, StatusCompleted, result.NewState.Checkpoint.Status)
	remove := result.Actions[7].(ActionRemoveFlow)
	assert.Equal(t, RemovalOrderlyFinish{Result: []byte(`"done"`)}, remove.Reason)
}

func TestFlowFinish_ClientIDKeepsCheckpoint(t *testing.T) {
	m, _ := newTestMachine()
	state := runningState(pingFlow)
	state.Checkpoint.CheckpointState.InvocationContext.ClientID = "client-1"

	result := apply(t, m, state, EventFlowFinish{Result: []byte("42")})

	persist, ok := result.Actions[0].(ActionPersistCheckpoint)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, persist.Checkpoint.Status)
	assert.Equal(t, []byte("42"), persist.Checkpoint.Result)
	assert.Equal(t, FlowStateFinished{}, persist.Checkpoint.FlowState)
}

func TestFlowFinish_ErroredFlowRollsBack(t *testing.T) {
	m, _ := newTestMachine()
	state := runningState(pingFlow)
	state.Checkpoint.ErrorState = ErrorStateErrored{Errors: []FlowError{{ErrorID: 1, Err: errors.New("x")}}}

	result := apply(t, m, state, EventFlowFinish{})

	assert.Equal(t, []string{"RollbackTransaction"}, ActionKinds(result.Actions))
	assert.Equal(t, ContinuationProcessEvents{}, result.Continuation)
}

func TestReject_SecondRejectionIsUnexpected(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{1: SessionInitiating{SequenceNumber: 1}}, IORequestReceive{Sessions: []SessionID{1}})
	reject := EventDeliverSessionMessage{
		Message:              ExistingSessionMessage{RecipientSessionID: 1, Payload: RejectSessionMessage{Message: "no responder", ErrorID: 9}},
		DeduplicationHandler: handlerA,
		Sender:               "B",
	}

	result := apply(t, m, state, reject)
	s := result.NewState.Checkpoint.CheckpointState.Sessions[1].(SessionInitiating)
	require.NotNil(t, s.RejectionError)
	assert.Equal(t, int64(9), s.RejectionError.ErrorID)
	assert.IsType(t, ErrorStateClean{}, result.NewState.Checkpoint.ErrorState)

	// User code sees the rejection on its next access.
	thrown := apply(t, m, result.NewState, EventDoRemainingWork{})
	throw, ok := thrown.Continuation.(ContinuationThrow)
	require.True(t, ok)
	assert.True(t, IsUnexpectedFlowEnd(throw.Err))

	result = apply(t, m, result.NewState, reject)
	es := erroredState(t, result.NewState)
	assert.True(t, IsUnexpectedEvent(es.Errors[0].Err))
}

func TestDeliver_UnknownSession(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{}, IORequestReceive{})

	end := EventDeliverSessionMessage{
		Message:              ExistingSessionMessage{RecipientSessionID: 7, Payload: EndSessionMessage{}},
		DeduplicationHandler: handlerA,
	}
	result := apply(t, m, state, end)
	assert.IsType(t, ErrorStateClean{}, result.NewState.Checkpoint.ErrorState, "late end messages are dropped")
	assert.Equal(t, []string{"ScheduleEvent"}, ActionKinds(result.Actions))

	result = apply(t, m, state, dataEvent(7, 1, "x"))
	es := erroredState(t, result.NewState)
	assert.True(t, IsCannotFindSession(es.Errors[0].Err))
	assert.Equal(t, []string{"RollbackTransaction", "ScheduleEvent"}, ActionKinds(result.Actions))
}

func TestDeliver_EndOnUnconfirmedSessionIsPremature(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{1: SessionInitiating{SequenceNumber: 1}}, IORequestReceive{Sessions: []SessionID{1}})

	result := apply(t, m, state, EventDeliverSessionMessage{
		Message:              ExistingSessionMessage{RecipientSessionID: 1, Payload: EndSessionMessage{}},
		DeduplicationHandler: handlerA,
	})

	es := erroredState(t, result.NewState)
	assert.True(t, IsPrematureSessionEnd(es.Errors[0].Err))
}

func TestConfirm_FlushesBufferedMessagesWithTheirIDs(t *testing.T) {
	m, _ := newTestMachine()
	buffered := BufferedMessage{
		MessageID: newMessageID(MessageTypeData, 1, 1, testutil.Epoch),
		Payload:   DataSessionMessage{Payload: []byte("early")},
	}
	state := startedState(SessionMap{1: SessionInitiating{BufferedMessages: []BufferedMessage{buffered}, SequenceNumber: 2}},
		IORequestReceive{Sessions: []SessionID{1}})

	result := apply(t, m, state, EventDeliverSessionMessage{
		Message: ExistingSessionMessage{RecipientSessionID: 1, Payload: ConfirmSessionMessage{
			InitiatedSessionID: 50,
			InitiatedFlowInfo:  FlowInfo{FlowVersion: 1, AppName: "pong"},
		}},
		DeduplicationHandler: handlerA,
		Sender:               "B",
	})

	assert.Equal(t, []string{"SendMultiple", "ScheduleEvent"}, ActionKinds(result.Actions))
	sends := sendsOf(result.Actions)
	require.Len(t, sends, 1)
	assert.Equal(t, buffered.MessageID, sends[0].DeduplicationID.MessageID)
	assert.Equal(t, SessionID(50), sends[0].Message.RecipientSessionID)
	assert.Equal(t, Party("B"), sends[0].PeerParty)

	s := result.NewState.Checkpoint.CheckpointState.Sessions[1].(SessionInitiated)
	assert.Equal(t, 2, s.SequenceNumber)
	assert.Equal(t, []DeduplicationHandler{handlerA}, result.NewState.PendingDeduplicationHandlers)
}

func TestConfirm_OnConfirmedSessionIsUnexpected(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{1: liveSession("B", 50)}, IORequestReceive{Sessions: []SessionID{1}})

	result := apply(t, m, state, EventDeliverSessionMessage{
		Message:              ExistingSessionMessage{RecipientSessionID: 1, Payload: ConfirmSessionMessage{InitiatedSessionID: 51}},
		DeduplicationHandler: handlerA,
	})

	es := erroredState(t, result.NewState)
	assert.True(t, IsUnexpectedEvent(es.Errors[0].Err))
}

func TestTransition_RecoversFromUnreachableState(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{}, nil)
	state.Checkpoint.FlowState = FlowStateFinished{}

	result := apply(t, m, state, EventDoRemainingWork{})

	throw, ok := result.Continuation.(ContinuationThrow)
	require.True(t, ok)
	assert.True(t, IsIllegalState(throw.Err))
	assert.Equal(t, []string{"CreateTransaction"}, ActionKinds(result.Actions))
}

func TestPause_ParksFlow(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{}, IORequestReceive{})

	result := apply(t, m, state, EventPause{})

	assert.Equal(t, []string{"CreateTransaction", "UpdateFlowStatus", "CommitTransaction", "MoveFlowToPaused"}, ActionKinds(result.Actions))
	assert.Equal(t, ContinuationAbort{}, result.Continuation)
	assert.Equal(t, StatusPaused, result.NewState.Checkpoint.Status)
}

func TestOvernightObservation_AcknowledgesOnlyFlowStart(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{}, IORequestReceive{})
	start := DeduplicationHandler{ID: "init", Cause: CauseSessionInit}
	state.PendingDeduplicationHandlers = []DeduplicationHandler{start, handlerA}
	state.Checkpoint.ErrorState = ErrorStateErrored{Errors: []FlowError{{ErrorID: 1, Err: errors.New("db down")}}}

	result := apply(t, m, state, EventOvernightObservation{})

	assert.Equal(t, []string{
		"CreateTransaction",
		"PersistDeduplicationFacts",
		"PersistCheckpoint",
		"CommitTransaction",
		"AcknowledgeMessages",
	}, ActionKinds(result.Actions))
	assert.Equal(t, []DeduplicationHandler{start}, result.Actions[4].(ActionAcknowledgeMessages).Handlers)
	assert.Equal(t, []DeduplicationHandler{handlerA}, result.NewState.PendingDeduplicationHandlers)
	assert.Equal(t, StatusHospitalized, result.Actions[2].(ActionPersistCheckpoint).Checkpoint.Status)
}

func TestSoftShutdown_RemovesFlowWithoutTouchingCheckpoint(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{1: liveSession("B", 50)}, IORequestReceive{Sessions: []SessionID{1}})

	result := apply(t, m, state, EventSoftShutdown{})

	assert.Equal(t, []string{"RemoveSessionBindings", "RemoveFlow"}, ActionKinds(result.Actions))
	assert.Equal(t, ContinuationAbort{}, result.Continuation)
}

func TestRetryFlowFromSafePoint(t *testing.T) {
	m, _ := newTestMachine()
	state := startedState(SessionMap{}, IORequestReceive{})

	result := apply(t, m, state, EventRetryFlowFromSafePoint{})

	assert.Equal(t, []string{"RetryFlowFromSafePoint"}, ActionKinds(result.Actions))
	assert.Equal(t, ContinuationAbort{}, result.Continuation)
}
