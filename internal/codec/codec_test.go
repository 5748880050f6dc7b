package codec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/testutil"
)

var pingFlow = sm.SubFlowInitiating{
	FlowClass:           "PingFlow",
	ClassToInitiateWith: "PingFlow",
	FlowInfo:            sm.FlowInfo{FlowVersion: 1, AppName: "pingpong"},
}

func sampleCheckpoint() sm.Checkpoint {
	cp := sm.NewCheckpoint(sm.InvocationContext{Actor: "alice", ClientID: "c-1"}, "A", sm.FlowStartExplicit{}, []byte("logic"), pingFlow)
	rejection := int64(12)
	cp.CheckpointState.Sessions = sm.SessionMap{
		1: sm.SessionInitiated{
			PeerParty:                   "B",
			PeerFlowInfo:                sm.FlowInfo{FlowVersion: 2, AppName: "pong"},
			ReceivedMessages:            map[int][]byte{2: []byte("two"), 3: []byte("three")},
			LastSequenceNumberProcessed: 1,
			InitiatedState:              sm.InitiatedLive{PeerSinkSessionID: 50},
			SequenceNumber:              4,
		},
		2: sm.SessionInitiating{
			BufferedMessages: []sm.BufferedMessage{{
				MessageID: sm.MessageIdentifier{Type: sm.MessageTypeData, SessionID: 2, SequenceNumber: 1, Timestamp: testutil.Epoch},
				Payload:   sm.DataSessionMessage{Payload: []byte("early")},
			}},
			RejectionError: &sm.FlowError{ErrorID: 12, Err: &sm.UnexpectedFlowEndError{Message: "no responder", OriginalID: &rejection}},
			SequenceNumber: 2,
		},
		3: sm.SessionUninitiated{Destination: "C", InitiatingSubFlow: pingFlow, SourceSessionID: 3, AdditionalEntropy: 99},
		4: sm.SessionInitiated{
			PeerParty:        "D",
			ReceivedMessages: map[int][]byte{},
			Errors: []sm.FlowError{{ErrorID: 7, Err: &sm.FlowException{
				Message:    "boom",
				OriginalID: func() *int64 { v := int64(7); return &v }(),
				Peer:       "D",
			}}},
			InitiatedState: sm.InitiatedEnded{},
			ToBeTerminated: 3,
			SequenceNumber: 1,
		},
	}
	cp.CheckpointState.SessionsToBeClosed = []sm.SessionID{4}
	cp.CheckpointState.NumberOfSuspends = 3
	cp.CheckpointState.NumberOfCommits = 3
	cp.FlowState = sm.FlowStateStarted{IORequest: sm.IORequestReceive{Sessions: []sm.SessionID{1}}, FrozenFiber: []byte("fiber")}
	cp.FlowIORequest = "Receive"
	cp.ProgressStep = "waiting for pong"
	return cp
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := JSON{}
	cp := sampleCheckpoint()

	data, err := c.EncodeCheckpoint(cp)
	require.NoError(t, err)
	decoded, err := c.DecodeCheckpoint(data)
	require.NoError(t, err)

	assert.Equal(t, cp, decoded)
}

func TestCheckpointRoundTrip_ErroredState(t *testing.T) {
	c := JSON{}
	cp := sampleCheckpoint()
	cp.ErrorState = sm.ErrorStateErrored{
		Errors: []sm.FlowError{
			{ErrorID: 1, Err: sm.NewFlowException("bad input")},
			{ErrorID: 2, Err: &sm.KilledFlowError{RunID: "run-1"}},
			{ErrorID: 3, Err: &sm.StateMachineError{Code: sm.ErrCodeCannotFindSession, Message: "cannot find session", SessionID: 9}},
		},
		PropagatedIndex: 1,
		Propagating:     true,
	}

	data, err := c.EncodeCheckpoint(cp)
	require.NoError(t, err)
	decoded, err := c.DecodeCheckpoint(data)
	require.NoError(t, err)

	assert.Equal(t, cp.ErrorState, decoded.ErrorState)
	es := decoded.ErrorState.(sm.ErrorStateErrored)
	assert.True(t, sm.IsFlowException(es.Errors[0].Err))
	assert.True(t, sm.IsKilled(es.Errors[1].Err))
	assert.True(t, sm.IsCannotFindSession(es.Errors[2].Err))
}

func TestCheckpointRoundTrip_UnstartedInitiatedFlow(t *testing.T) {
	c := JSON{}
	start := sm.FlowStartInitiated{
		PeerParty:          "A",
		InitiatedSessionID: 5,
		InitiatingMessage:  sm.InitialSessionMessage{InitiatorSessionID: 1, InitiatorFlowClassName: "PingFlow", FlowVersion: 1, AppName: "pingpong", FirstPayload: []byte("ping")},
		InitiatedFlowInfo:  sm.FlowInfo{FlowVersion: 1, AppName: "pong"},
	}
	cp := sm.NewCheckpoint(sm.InvocationContext{}, "B", start, nil, sm.SubFlowInlined{FlowClass: "PongFlow"})

	data, err := c.EncodeCheckpoint(cp)
	require.NoError(t, err)
	decoded, err := c.DecodeCheckpoint(data)
	require.NoError(t, err)

	assert.Equal(t, cp, decoded)
}

func TestDecodeCheckpoint_PausedKeepsPendingRequest(t *testing.T) {
	c := JSON{}
	cp := sampleCheckpoint()
	cp.Status = sm.StatusPaused

	data, err := c.EncodeCheckpoint(cp)
	require.NoError(t, err)
	decoded, err := c.DecodeCheckpoint(data)
	require.NoError(t, err)

	assert.IsType(t, sm.FlowStateStarted{}, decoded.FlowState)
	assert.Equal(t, sm.StatusPaused, decoded.Status)
}

type namedOp struct{ name string }

func (o namedOp) Name() string { return o.name }
func (o namedOp) Execute(context.Context, string) ([]byte, error) {
	return []byte(o.name), nil
}

func TestDecodeCheckpoint_ResolvesAsyncOperations(t *testing.T) {
	cp := sampleCheckpoint()
	cp.FlowState = sm.FlowStateStarted{IORequest: sm.IORequestExecuteAsyncOperation{Operation: namedOp{name: "price"}}}

	data, err := JSON{}.EncodeCheckpoint(cp)
	require.NoError(t, err)

	resolving := JSON{Operations: func(name string) (sm.AsyncOperation, bool) {
		return namedOp{name: name}, name == "price"
	}}
	decoded, err := resolving.DecodeCheckpoint(data)
	require.NoError(t, err)
	req := decoded.FlowState.(sm.FlowStateStarted).IORequest.(sm.IORequestExecuteAsyncOperation)
	assert.Equal(t, namedOp{name: "price"}, req.Operation)

	decoded, err = JSON{}.DecodeCheckpoint(data)
	require.NoError(t, err)
	req = decoded.FlowState.(sm.FlowStateStarted).IORequest.(sm.IORequestExecuteAsyncOperation)
	_, err = req.Operation.Execute(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, "price", req.Operation.Name())
}

func TestCheckpointRoundTrip_SleepRequest(t *testing.T) {
	c := JSON{}
	cp := sampleCheckpoint()
	wake := testutil.Epoch.Add(90 * time.Second)
	cp.FlowState = sm.FlowStateStarted{IORequest: sm.IORequestSleep{WakeUpAfter: wake}}

	data, err := c.EncodeCheckpoint(cp)
	require.NoError(t, err)
	decoded, err := c.DecodeCheckpoint(data)
	require.NoError(t, err)

	req := decoded.FlowState.(sm.FlowStateStarted).IORequest.(sm.IORequestSleep)
	assert.True(t, wake.Equal(req.WakeUpAfter))
}

func TestDecodeCheckpoint_RejectsUnknownTypes(t *testing.T) {
	_, err := JSON{}.DecodeCheckpoint([]byte(`{"flow_state":{"type":"dancing"},"error_state":{"type":"clean"}}`))
	assert.ErrorContains(t, err, "unknown flow state type")

	_, err = JSON{}.DecodeCheckpoint([]byte(`not json`))
	assert.Error(t, err)
}

func TestSessionMessageRoundTrip(t *testing.T) {
	c := JSON{}
	messages := []sm.SessionMessage{
		sm.InitialSessionMessage{InitiatorSessionID: 1, InitiationEntropy: 5, InitiatorFlowClassName: "PingFlow", FlowVersion: 1, AppName: "pingpong", FirstPayload: []byte("ping")},
		sm.InitialSessionMessage{InitiatorSessionID: 2, InitiatorFlowClassName: "PingFlow", FlowVersion: 1},
		sm.ExistingSessionMessage{RecipientSessionID: 3, Payload: sm.ConfirmSessionMessage{InitiatedSessionID: 4, InitiatedFlowInfo: sm.FlowInfo{FlowVersion: 1, AppName: "pong"}}},
		sm.ExistingSessionMessage{RecipientSessionID: 3, Payload: sm.DataSessionMessage{Payload: []byte("pong")}},
		sm.ExistingSessionMessage{RecipientSessionID: 3, Payload: sm.ErrorSessionMessage{FlowException: &sm.FlowException{Message: "boom"}, ErrorID: 8}},
		sm.ExistingSessionMessage{RecipientSessionID: 3, Payload: sm.ErrorSessionMessage{ErrorID: 9}},
		sm.ExistingSessionMessage{RecipientSessionID: 3, Payload: sm.RejectSessionMessage{Message: "unknown flow", ErrorID: 10}},
		sm.ExistingSessionMessage{RecipientSessionID: 3, Payload: sm.EndSessionMessage{}},
	}

	for _, msg := range messages {
		data, err := c.EncodeSessionMessage(msg)
		require.NoError(t, err)
		decoded, err := c.DecodeSessionMessage(data)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	}
}

func TestDecodeError_UnknownErrorKeepsMessage(t *testing.T) {
	rec := EncodeError(errors.New("disk full"))
	assert.Equal(t, ErrorKindGeneric, rec.Kind)

	err := DecodeError(rec)
	assert.EqualError(t, err, "disk full")
	assert.Nil(t, EncodeError(nil))
	assert.Nil(t, DecodeError(nil))
}
