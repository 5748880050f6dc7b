package statemachine

import "time"

// Action is a side effect requested by a transition. Actions are executed by
// the runtime, in order.
type Action interface {
	isAction()
}

type ActionCreateTransaction struct{}

// ActionCommitTransaction commits the open transaction. State is the state
// the flow is in once the commit has happened.
type ActionCommitTransaction struct {
	State StateMachineState
}

type ActionRollbackTransaction struct{}

type ActionPersistCheckpoint struct {
	RunID              RunID
	Checkpoint         Checkpoint
	IsCheckpointUpdate bool
}

type ActionRemoveCheckpoint struct {
	RunID RunID
}

type ActionPersistDeduplicationFacts struct {
	Handlers []DeduplicationHandler
}

type ActionAcknowledgeMessages struct {
	Handlers []DeduplicationHandler
}

type ActionSendInitial struct {
	Destination     Party
	Message         InitialSessionMessage
	DeduplicationID SenderDeduplicationID
}

type ActionSendExisting struct {
	PeerParty       Party
	Message         ExistingSessionMessage
	DeduplicationID SenderDeduplicationID
}

// ActionSendMultiple groups sends so the transport may batch them.
type ActionSendMultiple struct {
	SendInitial  []ActionSendInitial
	SendExisting []ActionSendExisting
}

// ActionPropagateErrors sends every error message to every session.
type ActionPropagateErrors struct {
	ErrorMessages []ErrorSessionMessage
	Sessions      []SessionInitiated
	SenderUUID    string
}

// ActionScheduleEvent adds Event to the back of the flow's event queue.
type ActionScheduleEvent struct {
	Event Event
}

type ActionExecuteAsyncOperation struct {
	DeduplicationID string
	Operation       AsyncOperation
	State           StateMachineState
}

// ActionTrackTransaction asks to be told when the transaction commits.
type ActionTrackTransaction struct {
	TxHash string
	State  StateMachineState
}

type ActionSleepUntil struct {
	State StateMachineState
	Time  time.Time
}

type ActionRemoveSessionBindings struct {
	SessionIDs []SessionID
}

type ActionAddSessionBinding struct {
	RunID     RunID
	SessionID SessionID
}

// ActionRemoveFlow deregisters the flow from the runtime.
type ActionRemoveFlow struct {
	RunID  RunID
	Reason FlowRemovalReason
	State  StateMachineState
}

type ActionReleaseSoftLocks struct {
	LockID string
}

// ActionSignalFlowHasStarted tells whoever started the flow that it runs.
type ActionSignalFlowHasStarted struct {
	RunID RunID
}

// ActionRetryFlowFromSafePoint discards the fiber and restarts the flow from
// its last persisted checkpoint.
type ActionRetryFlowFromSafePoint struct {
	State StateMachineState
}

// ActionUpdateFlowStatus changes the status of the persisted checkpoint.
type ActionUpdateFlowStatus struct {
	RunID  RunID
	Status FlowStatus
}

// ActionMoveFlowToPaused parks the flow until an operator retries it.
type ActionMoveFlowToPaused struct {
	State StateMachineState
}

func (ActionCreateTransaction) isAction()         {}
func (ActionCommitTransaction) isAction()         {}
func (ActionRollbackTransaction) isAction()       {}
func (ActionPersistCheckpoint) isAction()         {}
func (ActionRemoveCheckpoint) isAction()          {}
func (ActionPersistDeduplicationFacts) isAction() {}
func (ActionAcknowledgeMessages) isAction()       {}
func (ActionSendInitial) isAction()               {}
func (ActionSendExisting) isAction()              {}
func (ActionSendMultiple) isAction()              {}
func (ActionPropagateErrors) isAction()           {}
func (ActionScheduleEvent) isAction()             {}
func (ActionExecuteAsyncOperation) isAction()     {}
func (ActionTrackTransaction) isAction()          {}
func (ActionSleepUntil) isAction()                {}
func (ActionRemoveSessionBindings) isAction()     {}
func (ActionAddSessionBinding) isAction()         {}
func (ActionRemoveFlow) isAction()                {}
func (ActionReleaseSoftLocks) isAction()          {}
func (ActionSignalFlowHasStarted) isAction()      {}
func (ActionRetryFlowFromSafePoint) isAction()    {}
func (ActionUpdateFlowStatus) isAction()          {}
func (ActionMoveFlowToPaused) isAction()          {}

// FlowRemovalReason explains an ActionRemoveFlow.
type FlowRemovalReason interface {
	isFlowRemovalReason()
}

// RemovalOrderlyFinish carries the serialized result of a successful flow.
type RemovalOrderlyFinish struct {
	Result []byte
}

// RemovalErrorFinish carries the errors a flow failed with.
type RemovalErrorFinish struct {
	Errors []FlowError
}

// RemovalKilled carries the error a killed flow told its peers about.
type RemovalKilled struct {
	Error FlowError
}

// RemovalSoftShutdown is a flow removed because the node is stopping. It is
// restored from its checkpoint on the next start.
type RemovalSoftShutdown struct{}

func (RemovalOrderlyFinish) isFlowRemovalReason() {}
func (RemovalErrorFinish) isFlowRemovalReason()   {}
func (RemovalKilled) isFlowRemovalReason()        {}
func (RemovalSoftShutdown) isFlowRemovalReason()  {}
