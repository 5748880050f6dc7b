package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsm/internal/testutil"
)

const testRunID RunID = "run-a"

var (
	pingFlow = SubFlowInitiating{
		FlowClass:           "PingFlow",
		ClassToInitiateWith: "PingFlow",
		FlowInfo:            FlowInfo{FlowVersion: 1, AppName: "pingpong"},
	}
	handlerA = DeduplicationHandler{ID: "msg-a", Cause: CauseSessionMessage}
)

func newTestMachine() (*StateMachine, *testutil.SequenceRandom) {
	random := testutil.NewSequenceRandom(1000)
	return New(random), random
}

// startedState returns a persisted, clean flow suspended on req.
func startedState(sessions SessionMap, req FlowIORequest) StateMachineState {
	cp := NewCheckpoint(InvocationContext{Actor: "test"}, "A", FlowStartExplicit{}, nil, pingFlow)
	cp.CheckpointState.Sessions = sessions
	cp.FlowState = FlowStateStarted{IORequest: req, FrozenFiber: []byte("fiber")}
	st := NewStateMachineState(cp, "uuid-a")
	st.IsAnyCheckpointPersisted = true
	return st
}

func liveSession(peer Party, sink SessionID) SessionInitiated {
	return SessionInitiated{
		PeerParty:        peer,
		PeerFlowInfo:     FlowInfo{FlowVersion: 1, AppName: "pingpong"},
		ReceivedMessages: map[int][]byte{},
		InitiatedState:   InitiatedLive{PeerSinkSessionID: sink},
		SequenceNumber:   1,
	}
}

func dataEvent(recipient SessionID, seq int, payload string) EventDeliverSessionMessage {
	return EventDeliverSessionMessage{
		Message:              ExistingSessionMessage{RecipientSessionID: recipient, Payload: DataSessionMessage{Payload: []byte(payload)}},
		MessageID:            newMessageID(MessageTypeData, 9000, seq, testutil.Epoch),
		DeduplicationHandler: DeduplicationHandler{ID: "data-" + payload, Cause: CauseSessionMessage},
		Sender:               "B",
	}
}

// apply runs event against state and returns the result.
func apply(t *testing.T, m *StateMachine, state StateMachineState, event Event) TransitionResult {
	t.Helper()
	result := m.Transition(testRunID, event, state, testutil.Epoch)
	require.NotNil(t, result.Continuation)
	return result
}

// sendsOf flattens the existing-session sends of actions.
func sendsOf(actions []Action) []ActionSendExisting {
	var out []ActionSendExisting
	for _, a := range actions {
		switch s := a.(type) {
		case ActionSendExisting:
			out = append(out, s)
		case ActionSendMultiple:
			out = append(out, s.SendExisting...)
		}
	}
	return out
}

func initialsOf(actions []Action) []ActionSendInitial {
	var out []ActionSendInitial
	for _, a := range actions {
		switch s := a.(type) {
		case ActionSendInitial:
			out = append(out, s)
		case ActionSendMultiple:
			out = append(out, s.SendInitial...)
		}
	}
	return out
}

// deliveryOf turns an outbound send into the event the recipient sees.
func deliveryOf(send ActionSendExisting, sender Party) EventDeliverSessionMessage {
	return EventDeliverSessionMessage{
		Message:              send.Message,
		MessageID:            send.DeduplicationID.MessageID,
		DeduplicationHandler: DeduplicationHandler{ID: send.DeduplicationID.Key(), Cause: CauseSessionMessage},
		Sender:               sender,
	}
}

func erroredState(t *testing.T, state StateMachineState) ErrorStateErrored {
	t.Helper()
	es, ok := state.Checkpoint.ErrorState.(ErrorStateErrored)
	require.True(t, ok, "expected errored state, got %T", state.Checkpoint.ErrorState)
	return es
}
