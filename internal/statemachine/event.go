package statemachine

// Event is an input to the state machine.
type Event interface {
	isEvent()
}

// EventDoRemainingWork re-evaluates the flow: it starts an unstarted flow,
// services a pending request or advances error handling.
type EventDoRemainingWork struct{}

// EventDeliverSessionMessage delivers an inbound message for an existing
// session of this flow.
type EventDeliverSessionMessage struct {
	Message              ExistingSessionMessage
	MessageID            MessageIdentifier
	DeduplicationHandler DeduplicationHandler
	Sender               Party
}

// EventError reports an error thrown by user code or raised by the runtime.
type EventError struct {
	Err error
}

// EventTransactionCommitted reports a ledger commit the flow may wait for.
type EventTransactionCommitted struct {
	TxHash string
}

// EventSoftShutdown removes the flow because the node is stopping.
type EventSoftShutdown struct{}

// EventStartErrorPropagation is the flow hospital's decision that the
// flow's errors are to be propagated to its peers.
type EventStartErrorPropagation struct{}

type EventEnterSubFlow struct {
	SubFlow SubFlow
}

type EventLeaveSubFlow struct{}

// EventSuspend is raised by user code when it blocks on IORequest. Fiber is
// the frozen resume point.
type EventSuspend struct {
	IORequest         FlowIORequest
	MaySkipCheckpoint bool
	Fiber             []byte
	ProgressStep      string
}

// EventFlowFinish is raised when user code returns.
type EventFlowFinish struct {
	Result      []byte
	SoftLocksID string
}

// EventInitiateFlow opens a new session to Destination.
type EventInitiateFlow struct {
	Destination Party
}

// EventAsyncOperationCompletion delivers the result of an async operation.
type EventAsyncOperationCompletion struct {
	Result []byte
}

// EventAsyncOperationThrows delivers the failure of an async operation.
type EventAsyncOperationThrows struct {
	Err error
}

// EventRetryFlowFromSafePoint is the flow hospital's decision to retry.
type EventRetryFlowFromSafePoint struct{}

// EventOvernightObservation is the flow hospital's decision to keep the
// flow parked until an operator intervenes.
type EventOvernightObservation struct{}

// EventWakeUpFromSleep ends a Sleep request.
type EventWakeUpFromSleep struct{}

// EventPause parks the flow.
type EventPause struct{}

// EventKill kills the flow. Reason is propagated to peers when set.
type EventKill struct {
	Reason error
}

func (EventDoRemainingWork) isEvent()          {}
func (EventDeliverSessionMessage) isEvent()    {}
func (EventError) isEvent()                    {}
func (EventTransactionCommitted) isEvent()     {}
func (EventSoftShutdown) isEvent()             {}
func (EventStartErrorPropagation) isEvent()    {}
func (EventEnterSubFlow) isEvent()             {}
func (EventLeaveSubFlow) isEvent()             {}
func (EventSuspend) isEvent()                  {}
func (EventFlowFinish) isEvent()               {}
func (EventInitiateFlow) isEvent()             {}
func (EventAsyncOperationCompletion) isEvent() {}
func (EventAsyncOperationThrows) isEvent()     {}
func (EventRetryFlowFromSafePoint) isEvent()   {}
func (EventOvernightObservation) isEvent()     {}
func (EventWakeUpFromSleep) isEvent()          {}
func (EventPause) isEvent()                    {}
func (EventKill) isEvent()                     {}
