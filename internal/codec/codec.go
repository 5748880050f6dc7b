package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// Codec turns checkpoints and session messages into bytes and back.
type Codec interface {
	EncodeCheckpoint(cp sm.Checkpoint) ([]byte, error)
	DecodeCheckpoint(data []byte) (sm.Checkpoint, error)
	EncodeSessionMessage(msg sm.SessionMessage) ([]byte, error)
	DecodeSessionMessage(data []byte) (sm.SessionMessage, error)
}

// OperationResolver finds the async operation registered under name.
type OperationResolver func(name string) (sm.AsyncOperation, bool)

// JSON is the JSON Codec.
type JSON struct {
	// Operations resolves async operations of decoded checkpoints. When it
	// is nil, or does not know an operation, the decoded request carries a
	// placeholder that fails when executed.
	Operations OperationResolver
}

var _ Codec = JSON{}

type checkpointJSON struct {
	Invocation         sm.InvocationContext         `json:"invocation"`
	OurIdentity        sm.Party                     `json:"our_identity"`
	Sessions           map[sm.SessionID]sessionJSON `json:"sessions"`
	SessionsToBeClosed []sm.SessionID               `json:"sessions_to_be_closed"`
	SubFlowStack       []subFlowJSON                `json:"sub_flow_stack"`
	NumberOfSuspends   int                          `json:"number_of_suspends"`
	NumberOfCommits    int                          `json:"number_of_commits"`
	FlowState          flowStateJSON                `json:"flow_state"`
	ErrorState         errorStateJSON               `json:"error_state"`
	Result             []byte                       `json:"result"`
	Status             sm.FlowStatus                `json:"status"`
	ProgressStep       string                       `json:"progress_step,omitempty"`
	FlowIORequest      string                       `json:"flow_io_request,omitempty"`
}

type subFlowJSON struct {
	Type                string      `json:"type"`
	FlowClass           string      `json:"flow_class"`
	ClassToInitiateWith string      `json:"class_to_initiate_with,omitempty"`
	FlowInfo            sm.FlowInfo `json:"flow_info"`
}

type flowStartJSON struct {
	Type               string                    `json:"type"`
	PeerParty          sm.Party                  `json:"peer_party,omitempty"`
	InitiatedSessionID sm.SessionID              `json:"initiated_session_id,omitempty"`
	InitiatingMessage  *sm.InitialSessionMessage `json:"initiating_message,omitempty"`
	InitiatedFlowInfo  sm.FlowInfo               `json:"initiated_flow_info"`
}

type flowStateJSON struct {
	Type            string         `json:"type"`
	FlowStart       *flowStartJSON `json:"flow_start,omitempty"`
	FrozenFlowLogic []byte         `json:"frozen_flow_logic,omitempty"`
	IORequest       *ioRequestJSON `json:"io_request,omitempty"`
	FrozenFiber     []byte         `json:"frozen_fiber,omitempty"`
}

type ioRequestJSON struct {
	Type        string                  `json:"type"`
	Messages    map[sm.SessionID][]byte `json:"messages,omitempty"`
	Sessions    []sm.SessionID          `json:"sessions,omitempty"`
	TxHash      string                  `json:"tx_hash,omitempty"`
	WakeUpAfter *time.Time              `json:"wake_up_after,omitempty"`
	Operation   string                  `json:"operation,omitempty"`
}

type errorStateJSON struct {
	Type            string          `json:"type"`
	Errors          []flowErrorJSON `json:"errors,omitempty"`
	PropagatedIndex int             `json:"propagated_index,omitempty"`
	Propagating     bool            `json:"propagating,omitempty"`
}

type bufferedJSON struct {
	MessageID sm.MessageIdentifier `json:"message_id"`
	Payload   payloadJSON          `json:"payload"`
}

type sessionJSON struct {
	Type string `json:"type"`

	// Uninitiated
	Destination       sm.Party     `json:"destination,omitempty"`
	InitiatingSubFlow *subFlowJSON `json:"initiating_sub_flow,omitempty"`
	SourceSessionID   sm.SessionID `json:"source_session_id,omitempty"`
	AdditionalEntropy int64        `json:"additional_entropy,omitempty"`

	// Initiating
	BufferedMessages []bufferedJSON `json:"buffered_messages,omitempty"`
	RejectionError   *flowErrorJSON `json:"rejection_error,omitempty"`

	// Initiated
	PeerParty                   sm.Party        `json:"peer_party,omitempty"`
	PeerFlowInfo                *sm.FlowInfo    `json:"peer_flow_info,omitempty"`
	ReceivedMessages            map[int][]byte  `json:"received_messages,omitempty"`
	LastSequenceNumberProcessed int             `json:"last_sequence_number_processed"`
	Errors                      []flowErrorJSON `json:"errors,omitempty"`
	PeerSinkSessionID           *sm.SessionID   `json:"peer_sink_session_id,omitempty"`
	ToBeTerminated              int             `json:"to_be_terminated,omitempty"`

	SequenceNumber int `json:"sequence_number"`
}

// EncodeCheckpoint implements Codec.
func (c JSON) EncodeCheckpoint(cp sm.Checkpoint) ([]byte, error) {
	w, err := encodeCheckpoint(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint implements Codec.
func (c JSON) DecodeCheckpoint(data []byte) (sm.Checkpoint, error) {
	var w checkpointJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return sm.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	cp, err := c.decodeCheckpoint(w)
	if err != nil {
		return sm.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

func encodeCheckpoint(cp sm.Checkpoint) (checkpointJSON, error) {
	st := cp.CheckpointState
	w := checkpointJSON{
		Invocation:         st.InvocationContext,
		OurIdentity:        st.OurIdentity,
		SessionsToBeClosed: st.SessionsToBeClosed,
		NumberOfSuspends:   st.NumberOfSuspends,
		NumberOfCommits:    st.NumberOfCommits,
		Result:             cp.Result,
		Status:             cp.Status,
		ProgressStep:       cp.ProgressStep,
		FlowIORequest:      cp.FlowIORequest,
	}
	if st.Sessions != nil {
		w.Sessions = make(map[sm.SessionID]sessionJSON, len(st.Sessions))
		for id, s := range st.Sessions {
			w.Sessions[id] = encodeSession(s)
		}
	}
	if st.SubFlowStack != nil {
		w.SubFlowStack = make([]subFlowJSON, len(st.SubFlowStack))
		for i, sf := range st.SubFlowStack {
			w.SubFlowStack[i] = encodeSubFlow(sf)
		}
	}
	fs, err := encodeFlowState(cp.FlowState)
	if err != nil {
		return checkpointJSON{}, err
	}
	w.FlowState = fs
	w.ErrorState = encodeErrorState(cp.ErrorState)
	return w, nil
}

func (c JSON) decodeCheckpoint(w checkpointJSON) (sm.Checkpoint, error) {
	cp := sm.Checkpoint{
		CheckpointState: sm.CheckpointState{
			InvocationContext:  w.Invocation,
			OurIdentity:        w.OurIdentity,
			SessionsToBeClosed: w.SessionsToBeClosed,
			NumberOfSuspends:   w.NumberOfSuspends,
			NumberOfCommits:    w.NumberOfCommits,
		},
		Result:        w.Result,
		Status:        w.Status,
		ProgressStep:  w.ProgressStep,
		FlowIORequest: w.FlowIORequest,
	}
	if w.Sessions != nil {
		cp.CheckpointState.Sessions = make(sm.SessionMap, len(w.Sessions))
		for id, s := range w.Sessions {
			decoded, err := decodeSession(s)
			if err != nil {
				return sm.Checkpoint{}, fmt.Errorf("session %d: %w", id, err)
			}
			cp.CheckpointState.Sessions[id] = decoded
		}
	}
	if w.SubFlowStack != nil {
		cp.CheckpointState.SubFlowStack = make([]sm.SubFlow, len(w.SubFlowStack))
		for i, sf := range w.SubFlowStack {
			decoded, err := decodeSubFlow(sf)
			if err != nil {
				return sm.Checkpoint{}, fmt.Errorf("sub-flow %d: %w", i, err)
			}
			cp.CheckpointState.SubFlowStack[i] = decoded
		}
	}
	fs, err := c.decodeFlowState(w.FlowState)
	if err != nil {
		return sm.Checkpoint{}, err
	}
	cp.FlowState = fs
	es, err := decodeErrorState(w.ErrorState)
	if err != nil {
		return sm.Checkpoint{}, err
	}
	cp.ErrorState = es
	return cp, nil
}

func encodeSubFlow(sf sm.SubFlow) subFlowJSON {
	switch s := sf.(type) {
	case sm.SubFlowInlined:
		return subFlowJSON{Type: "inlined", FlowClass: s.FlowClass}
	case sm.SubFlowInitiating:
		return subFlowJSON{Type: "initiating", FlowClass: s.FlowClass, ClassToInitiateWith: s.ClassToInitiateWith, FlowInfo: s.FlowInfo}
	default:
		panic(fmt.Sprintf("codec: unhandled sub-flow %T", sf))
	}
}

func decodeSubFlow(w subFlowJSON) (sm.SubFlow, error) {
	switch w.Type {
	case "inlined":
		return sm.SubFlowInlined{FlowClass: w.FlowClass}, nil
	case "initiating":
		return sm.SubFlowInitiating{FlowClass: w.FlowClass, ClassToInitiateWith: w.ClassToInitiateWith, FlowInfo: w.FlowInfo}, nil
	default:
		return nil, fmt.Errorf("unknown sub-flow type %q", w.Type)
	}
}

func encodeFlowState(fs sm.FlowState) (flowStateJSON, error) {
	switch s := fs.(type) {
	case sm.FlowStateUnstarted:
		start, err := encodeFlowStart(s.FlowStart)
		if err != nil {
			return flowStateJSON{}, err
		}
		return flowStateJSON{Type: "unstarted", FlowStart: &start, FrozenFlowLogic: s.FrozenFlowLogic}, nil
	case sm.FlowStateStarted:
		req := encodeIORequest(s.IORequest)
		return flowStateJSON{Type: "started", IORequest: req, FrozenFiber: s.FrozenFiber}, nil
	case sm.FlowStateFinished:
		return flowStateJSON{Type: "finished"}, nil
	case sm.FlowStatePaused:
		return flowStateJSON{Type: "paused"}, nil
	default:
		return flowStateJSON{}, fmt.Errorf("unhandled flow state %T", fs)
	}
}

func (c JSON) decodeFlowState(w flowStateJSON) (sm.FlowState, error) {
	switch w.Type {
	case "unstarted":
		if w.FlowStart == nil {
			return nil, fmt.Errorf("unstarted flow without flow start")
		}
		start, err := decodeFlowStart(*w.FlowStart)
		if err != nil {
			return nil, err
		}
		return sm.FlowStateUnstarted{FlowStart: start, FrozenFlowLogic: w.FrozenFlowLogic}, nil
	case "started":
		req, err := c.decodeIORequest(w.IORequest)
		if err != nil {
			return nil, err
		}
		return sm.FlowStateStarted{IORequest: req, FrozenFiber: w.FrozenFiber}, nil
	case "finished":
		return sm.FlowStateFinished{}, nil
	case "paused":
		return sm.FlowStatePaused{}, nil
	default:
		return nil, fmt.Errorf("unknown flow state type %q", w.Type)
	}
}

func encodeFlowStart(fs sm.FlowStart) (flowStartJSON, error) {
	switch s := fs.(type) {
	case sm.FlowStartExplicit:
		return flowStartJSON{Type: "explicit"}, nil
	case sm.FlowStartInitiated:
		msg := s.InitiatingMessage
		return flowStartJSON{
			Type:               "initiated",
			PeerParty:          s.PeerParty,
			InitiatedSessionID: s.InitiatedSessionID,
			InitiatingMessage:  &msg,
			InitiatedFlowInfo:  s.InitiatedFlowInfo,
		}, nil
	default:
		return flowStartJSON{}, fmt.Errorf("unhandled flow start %T", fs)
	}
}

func decodeFlowStart(w flowStartJSON) (sm.FlowStart, error) {
	switch w.Type {
	case "explicit":
		return sm.FlowStartExplicit{}, nil
	case "initiated":
		if w.InitiatingMessage == nil {
			return nil, fmt.Errorf("initiated flow start without initiating message")
		}
		return sm.FlowStartInitiated{
			PeerParty:          w.PeerParty,
			InitiatedSessionID: w.InitiatedSessionID,
			InitiatingMessage:  *w.InitiatingMessage,
			InitiatedFlowInfo:  w.InitiatedFlowInfo,
		}, nil
	default:
		return nil, fmt.Errorf("unknown flow start type %q", w.Type)
	}
}

func encodeIORequest(r sm.FlowIORequest) *ioRequestJSON {
	if r == nil {
		return nil
	}
	w := &ioRequestJSON{Type: sm.IORequestKind(r)}
	switch req := r.(type) {
	case sm.IORequestSend:
		w.Messages = req.Messages
	case sm.IORequestReceive:
		w.Sessions = req.Sessions
	case sm.IORequestSendAndReceive:
		w.Messages = req.Messages
	case sm.IORequestCloseSessions:
		w.Sessions = req.Sessions
	case sm.IORequestWaitForLedgerCommit:
		w.TxHash = req.TxHash
	case sm.IORequestSleep:
		t := req.WakeUpAfter
		w.WakeUpAfter = &t
	case sm.IORequestGetFlowInfo:
		w.Sessions = req.Sessions
	case sm.IORequestExecuteAsyncOperation:
		if req.Operation != nil {
			w.Operation = req.Operation.Name()
		}
	case sm.IORequestWaitForSessionConfirmations, sm.IORequestForceCheckpoint:
	default:
		panic(fmt.Sprintf("codec: unhandled io request %T", r))
	}
	return w
}

func (c JSON) decodeIORequest(w *ioRequestJSON) (sm.FlowIORequest, error) {
	if w == nil {
		return nil, nil
	}
	switch w.Type {
	case "Send":
		return sm.IORequestSend{Messages: w.Messages}, nil
	case "Receive":
		return sm.IORequestReceive{Sessions: w.Sessions}, nil
	case "SendAndReceive":
		return sm.IORequestSendAndReceive{Messages: w.Messages}, nil
	case "CloseSessions":
		return sm.IORequestCloseSessions{Sessions: w.Sessions}, nil
	case "WaitForLedgerCommit":
		return sm.IORequestWaitForLedgerCommit{TxHash: w.TxHash}, nil
	case "Sleep":
		var t time.Time
		if w.WakeUpAfter != nil {
			t = *w.WakeUpAfter
		}
		return sm.IORequestSleep{WakeUpAfter: t}, nil
	case "GetFlowInfo":
		return sm.IORequestGetFlowInfo{Sessions: w.Sessions}, nil
	case "WaitForSessionConfirmations":
		return sm.IORequestWaitForSessionConfirmations{}, nil
	case "ExecuteAsyncOperation":
		return sm.IORequestExecuteAsyncOperation{Operation: c.resolve(w.Operation)}, nil
	case "ForceCheckpoint":
		return sm.IORequestForceCheckpoint{}, nil
	default:
		return nil, fmt.Errorf("unknown io request type %q", w.Type)
	}
}

func (c JSON) resolve(name string) sm.AsyncOperation {
	if name == "" {
		return nil
	}
	if c.Operations != nil {
		if op, ok := c.Operations(name); ok {
			return op
		}
	}
	return UnresolvedOperation{OperationName: name}
}

// UnresolvedOperation stands in for an async operation no resolver knows.
type UnresolvedOperation struct {
	OperationName string
}

func (o UnresolvedOperation) Name() string { return o.OperationName }

func (o UnresolvedOperation) Execute(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("async operation %q is not registered", o.OperationName)
}

func encodeErrorState(es sm.ErrorState) errorStateJSON {
	switch s := es.(type) {
	case sm.ErrorStateClean:
		return errorStateJSON{Type: "clean"}
	case sm.ErrorStateErrored:
		return errorStateJSON{
			Type:            "errored",
			Errors:          encodeFlowErrors(s.Errors),
			PropagatedIndex: s.PropagatedIndex,
			Propagating:     s.Propagating,
		}
	default:
		panic(fmt.Sprintf("codec: unhandled error state %T", es))
	}
}

func decodeErrorState(w errorStateJSON) (sm.ErrorState, error) {
	switch w.Type {
	case "clean":
		return sm.ErrorStateClean{}, nil
	case "errored":
		return sm.ErrorStateErrored{
			Errors:          decodeFlowErrors(w.Errors),
			PropagatedIndex: w.PropagatedIndex,
			Propagating:     w.Propagating,
		}, nil
	default:
		return nil, fmt.Errorf("unknown error state type %q", w.Type)
	}
}

func encodeSession(s sm.SessionState) sessionJSON {
	switch v := s.(type) {
	case sm.SessionUninitiated:
		sub := encodeSubFlow(v.InitiatingSubFlow)
		return sessionJSON{
			Type:              "uninitiated",
			Destination:       v.Destination,
			InitiatingSubFlow: &sub,
			SourceSessionID:   v.SourceSessionID,
			AdditionalEntropy: v.AdditionalEntropy,
		}
	case sm.SessionInitiating:
		w := sessionJSON{Type: "initiating", SequenceNumber: v.SequenceNumber}
		if v.BufferedMessages != nil {
			w.BufferedMessages = make([]bufferedJSON, len(v.BufferedMessages))
			for i, m := range v.BufferedMessages {
				w.BufferedMessages[i] = bufferedJSON{MessageID: m.MessageID, Payload: encodePayload(m.Payload)}
			}
		}
		if v.RejectionError != nil {
			w.RejectionError = &flowErrorJSON{ErrorID: v.RejectionError.ErrorID, Error: EncodeError(v.RejectionError.Err)}
		}
		return w
	case sm.SessionInitiated:
		info := v.PeerFlowInfo
		w := sessionJSON{
			Type:                        "initiated",
			PeerParty:                   v.PeerParty,
			PeerFlowInfo:                &info,
			ReceivedMessages:            v.ReceivedMessages,
			LastSequenceNumberProcessed: v.LastSequenceNumberProcessed,
			Errors:                      encodeFlowErrors(v.Errors),
			ToBeTerminated:              v.ToBeTerminated,
			SequenceNumber:              v.SequenceNumber,
		}
		if sink, live := v.PeerSinkSessionID(); live {
			w.PeerSinkSessionID = &sink
		}
		return w
	default:
		panic(fmt.Sprintf("codec: unhandled session state %T", s))
	}
}

func decodeSession(w sessionJSON) (sm.SessionState, error) {
	switch w.Type {
	case "uninitiated":
		if w.InitiatingSubFlow == nil {
			return nil, fmt.Errorf("uninitiated session without initiating sub-flow")
		}
		sub, err := decodeSubFlow(*w.InitiatingSubFlow)
		if err != nil {
			return nil, err
		}
		initiating, ok := sub.(sm.SubFlowInitiating)
		if !ok {
			return nil, fmt.Errorf("uninitiated session opened by non-initiating sub-flow %q", sub.Class())
		}
		return sm.SessionUninitiated{
			Destination:       w.Destination,
			InitiatingSubFlow: initiating,
			SourceSessionID:   w.SourceSessionID,
			AdditionalEntropy: w.AdditionalEntropy,
		}, nil
	case "initiating":
		s := sm.SessionInitiating{SequenceNumber: w.SequenceNumber}
		if w.BufferedMessages != nil {
			s.BufferedMessages = make([]sm.BufferedMessage, len(w.BufferedMessages))
			for i, m := range w.BufferedMessages {
				p, err := decodePayload(m.Payload)
				if err != nil {
					return nil, err
				}
				s.BufferedMessages[i] = sm.BufferedMessage{MessageID: m.MessageID, Payload: p}
			}
		}
		if w.RejectionError != nil {
			s.RejectionError = &sm.FlowError{ErrorID: w.RejectionError.ErrorID, Err: DecodeError(w.RejectionError.Error)}
		}
		return s, nil
	case "initiated":
		s := sm.SessionInitiated{
			PeerParty:                   w.PeerParty,
			ReceivedMessages:            w.ReceivedMessages,
			LastSequenceNumberProcessed: w.LastSequenceNumberProcessed,
			Errors:                      decodeFlowErrors(w.Errors),
			ToBeTerminated:              w.ToBeTerminated,
			SequenceNumber:              w.SequenceNumber,
			InitiatedState:              sm.InitiatedEnded{},
		}
		if w.PeerFlowInfo != nil {
			s.PeerFlowInfo = *w.PeerFlowInfo
		}
		if s.ReceivedMessages == nil {
			s.ReceivedMessages = map[int][]byte{}
		}
		if w.PeerSinkSessionID != nil {
			s.InitiatedState = sm.InitiatedLive{PeerSinkSessionID: *w.PeerSinkSessionID}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown session type %q", w.Type)
	}
}
