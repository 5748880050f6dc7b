package statemachine

import (
	"fmt"
	"maps"
	"slices"
)

// StateMachineState is the full in-memory state of one flow run. It is owned
// by the runner of that flow and only changes through Transition.
type StateMachineState struct {
	Checkpoint Checkpoint

	// PendingDeduplicationHandlers are inbound messages whose effects are not
	// yet durable. They are persisted and acknowledged with the next
	// checkpoint.
	PendingDeduplicationHandlers []DeduplicationHandler

	// IsFlowResumed is true once user code has been handed control for the
	// current suspension.
	IsFlowResumed bool

	// IsWaitingForFuture guards requests that start something asynchronous so
	// repeated DoRemainingWork events do not start it twice.
	IsWaitingForFuture bool

	IsAnyCheckpointPersisted bool
	IsStartIdempotent        bool
	IsRemoved                bool
	IsKilled                 bool

	// SenderUUID identifies this incarnation of the node as a message sender.
	SenderUUID string
}

// NewStateMachineState creates the state for a fresh flow run.
func NewStateMachineState(cp Checkpoint, senderUUID string, handlers ...DeduplicationHandler) StateMachineState {
	return StateMachineState{
		Checkpoint:                   cp,
		PendingDeduplicationHandlers: slices.Clone(handlers),
		SenderUUID:                   senderUUID,
	}
}

// FlowStatus is the status recorded with a persisted checkpoint.
type FlowStatus string

const (
	StatusRunnable     FlowStatus = "RUNNABLE"
	StatusFailed       FlowStatus = "FAILED"
	StatusCompleted    FlowStatus = "COMPLETED"
	StatusHospitalized FlowStatus = "HOSPITALIZED"
	StatusKilled       FlowStatus = "KILLED"
	StatusPaused       FlowStatus = "PAUSED"
)

// Checkpoint is the durable snapshot of a flow. It is replaced, never mutated,
// by transitions.
type Checkpoint struct {
	CheckpointState CheckpointState
	FlowState       FlowState
	ErrorState      ErrorState
	Result          []byte
	Status          FlowStatus
	ProgressStep    string
	// FlowIORequest names the pending request type, for operators.
	FlowIORequest string
}

// CheckpointState holds the part of a checkpoint that survives every
// suspension: sessions, sub-flow stack and counters.
type CheckpointState struct {
	InvocationContext  InvocationContext
	OurIdentity        Party
	Sessions           SessionMap
	SessionsToBeClosed []SessionID
	SubFlowStack       []SubFlow
	NumberOfSuspends   int
	NumberOfCommits    int
}

// InvocationContext records who started the flow.
type InvocationContext struct {
	Actor string `json:"actor,omitempty"`
	// ClientID, when set, makes the node keep the checkpoint of a finished
	// flow so the client can collect its result later.
	ClientID string `json:"client_id,omitempty"`
}

// NewCheckpoint builds the initial checkpoint of a flow run: Unstarted, clean
// and runnable, with topLevel as the only entry on the sub-flow stack.
func NewCheckpoint(invocation InvocationContext, ourIdentity Party, start FlowStart, frozenFlowLogic []byte, topLevel SubFlow) Checkpoint {
	return Checkpoint{
		CheckpointState: CheckpointState{
			InvocationContext: invocation,
			OurIdentity:       ourIdentity,
			Sessions:          SessionMap{},
			SubFlowStack:      []SubFlow{topLevel},
		},
		FlowState:  FlowStateUnstarted{FlowStart: start, FrozenFlowLogic: frozenFlowLogic},
		ErrorState: ErrorStateClean{},
		Status:     StatusRunnable,
	}
}

// WithSessions returns a copy of the checkpoint using sessions as its session
// map. The map is adopted, callers must not modify it afterwards.
func (c Checkpoint) WithSessions(sessions SessionMap) Checkpoint {
	c.CheckpointState.Sessions = sessions
	return c
}

// AddSession returns a copy with id set to s.
func (c Checkpoint) AddSession(id SessionID, s SessionState) Checkpoint {
	sessions := maps.Clone(c.CheckpointState.Sessions)
	if sessions == nil {
		sessions = SessionMap{}
	}
	sessions[id] = s
	c.CheckpointState.Sessions = sessions
	return c
}

// RemoveSessions returns a copy without the given sessions. They are also
// dropped from the to-be-closed list.
func (c Checkpoint) RemoveSessions(ids ...SessionID) Checkpoint {
	sessions := maps.Clone(c.CheckpointState.Sessions)
	for _, id := range ids {
		delete(sessions, id)
	}
	c.CheckpointState.Sessions = sessions
	c.CheckpointState.SessionsToBeClosed = slices.DeleteFunc(slices.Clone(c.CheckpointState.SessionsToBeClosed), func(id SessionID) bool {
		return slices.Contains(ids, id)
	})
	return c
}

// AddSessionsToBeClosed returns a copy with ids scheduled for teardown.
func (c Checkpoint) AddSessionsToBeClosed(ids ...SessionID) Checkpoint {
	closing := slices.Clone(c.CheckpointState.SessionsToBeClosed)
	for _, id := range ids {
		if !slices.Contains(closing, id) {
			closing = append(closing, id)
		}
	}
	c.CheckpointState.SessionsToBeClosed = closing
	return c
}

// AddSubFlow returns a copy with sf pushed on the sub-flow stack.
func (c Checkpoint) AddSubFlow(sf SubFlow) Checkpoint {
	stack := make([]SubFlow, 0, len(c.CheckpointState.SubFlowStack)+1)
	stack = append(stack, c.CheckpointState.SubFlowStack...)
	c.CheckpointState.SubFlowStack = append(stack, sf)
	return c
}

// WithSubFlows returns a copy using stack as the sub-flow stack.
func (c Checkpoint) WithSubFlows(stack []SubFlow) Checkpoint {
	c.CheckpointState.SubFlowStack = stack
	return c
}

// SessionMap maps our session ids to session states.
type SessionMap map[SessionID]SessionState

// SortedIDs returns the session ids in ascending order. Every transition that
// walks the session map does so in this order so its actions are
// deterministic.
func (m SessionMap) SortedIDs() []SessionID {
	return slices.Sorted(maps.Keys(m))
}

// FlowStart describes why a flow run exists.
type FlowStart interface {
	isFlowStart()
}

// FlowStartExplicit is a flow started locally, by an operator or client.
type FlowStartExplicit struct{}

// FlowStartInitiated is a responder flow started by a peer's initial message.
type FlowStartInitiated struct {
	PeerParty          Party
	InitiatedSessionID SessionID
	InitiatingMessage  InitialSessionMessage
	InitiatedFlowInfo  FlowInfo
}

func (FlowStartExplicit) isFlowStart()  {}
func (FlowStartInitiated) isFlowStart() {}

// FlowState is the lifecycle stage of a flow.
type FlowState interface {
	isFlowState()
}

// FlowStateUnstarted is a flow whose user code has not run yet.
type FlowStateUnstarted struct {
	FlowStart       FlowStart
	FrozenFlowLogic []byte
}

// FlowStateStarted is a flow suspended on IORequest. FrozenFiber is the
// opaque resume point of the user code.
type FlowStateStarted struct {
	IORequest   FlowIORequest
	FrozenFiber []byte
}

// FlowStateFinished is a flow whose user code has returned or failed.
type FlowStateFinished struct{}

// FlowStatePaused is a flow parked by an operator.
type FlowStatePaused struct{}

func (FlowStateUnstarted) isFlowState() {}
func (FlowStateStarted) isFlowState()   {}
func (FlowStateFinished) isFlowState()  {}
func (FlowStatePaused) isFlowState()    {}

// FlowError is an error that entered the flow's error state. ErrorID is
// shared by every copy of the error sent to peers.
type FlowError struct {
	ErrorID int64
	Err     error
}

// ErrorState is either ErrorStateClean or ErrorStateErrored.
type ErrorState interface {
	isErrorState()
}

type ErrorStateClean struct{}

// ErrorStateErrored accumulates errors. Errors[:PropagatedIndex] have been
// sent to peers. Propagating is set once the flow hospital decided the
// errors are to be propagated.
type ErrorStateErrored struct {
	Errors          []FlowError
	PropagatedIndex int
	Propagating     bool
}

func (ErrorStateClean) isErrorState()   {}
func (ErrorStateErrored) isErrorState() {}

func addErrors(es ErrorState, errs []FlowError) ErrorState {
	switch s := es.(type) {
	case ErrorStateClean:
		return ErrorStateErrored{Errors: slices.Clone(errs)}
	case ErrorStateErrored:
		all := make([]FlowError, 0, len(s.Errors)+len(errs))
		all = append(all, s.Errors...)
		s.Errors = append(all, errs...)
		return s
	default:
		panic(unexpected("error state", es))
	}
}

// SessionState is the lifecycle stage of one session.
type SessionState interface {
	isSessionState()
}

// SessionUninitiated is a session created by InitiateFlow that has not sent
// anything yet.
type SessionUninitiated struct {
	Destination       Party
	InitiatingSubFlow SubFlowInitiating
	SourceSessionID   SessionID
	AdditionalEntropy int64
}

// SessionInitiating is a session whose initial message is sent but not yet
// confirmed. Outgoing messages are buffered until confirmation.
type SessionInitiating struct {
	BufferedMessages []BufferedMessage
	RejectionError   *FlowError
	// SequenceNumber is the next sequence number to send.
	SequenceNumber int
}

// BufferedMessage is an outgoing payload waiting for session confirmation.
type BufferedMessage struct {
	MessageID MessageIdentifier
	Payload   ExistingSessionPayload
}

// SessionInitiated is a confirmed session.
type SessionInitiated struct {
	PeerParty    Party
	PeerFlowInfo FlowInfo

	// ReceivedMessages holds data payloads keyed by sequence number that user
	// code has not consumed yet.
	ReceivedMessages            map[int][]byte
	LastSequenceNumberProcessed int

	// Errors are the peer's errors, in arrival order.
	Errors []FlowError

	InitiatedState InitiatedSessionState

	// ToBeTerminated is the sequence number of the peer's end message, or 0.
	ToBeTerminated int

	// SequenceNumber is the next sequence number to send.
	SequenceNumber int
}

func (SessionUninitiated) isSessionState() {}
func (SessionInitiating) isSessionState()  {}
func (SessionInitiated) isSessionState()   {}

// PeerSinkSessionID returns the peer's session id while the session is live.
func (s SessionInitiated) PeerSinkSessionID() (SessionID, bool) {
	if live, ok := s.InitiatedState.(InitiatedLive); ok {
		return live.PeerSinkSessionID, true
	}
	return 0, false
}

func (s SessionInitiated) withReceived(received map[int][]byte) SessionInitiated {
	s.ReceivedMessages = received
	return s
}

// InitiatedSessionState tells whether the peer can still be sent messages.
type InitiatedSessionState interface {
	isInitiatedSessionState()
}

// InitiatedLive is a session the peer still listens on.
type InitiatedLive struct {
	PeerSinkSessionID SessionID
}

// InitiatedEnded is a session the peer has ended.
type InitiatedEnded struct{}

func (InitiatedLive) isInitiatedSessionState()  {}
func (InitiatedEnded) isInitiatedSessionState() {}

func unexpected(kind string, v any) string {
	return fmt.Sprintf("statemachine: unhandled %s variant %T", kind, v)
}
