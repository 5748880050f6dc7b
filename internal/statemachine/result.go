package statemachine

// TransitionResult is the output of one transition.
type TransitionResult struct {
	NewState     StateMachineState
	Actions      []Action
	Continuation FlowContinuation
}

// FlowContinuation tells the runtime what to do with user code next.
type FlowContinuation interface {
	isFlowContinuation()
}

// ContinuationResume hands Value to the suspended user code.
type ContinuationResume struct {
	Value any
}

// ContinuationThrow raises Err in the suspended user code.
type ContinuationThrow struct {
	Err error
}

// ContinuationProcessEvents keeps user code suspended and processes the
// next event.
type ContinuationProcessEvents struct{}

// ContinuationAbort stops the fiber for good.
type ContinuationAbort struct{}

func (ContinuationResume) isFlowContinuation()        {}
func (ContinuationThrow) isFlowContinuation()         {}
func (ContinuationProcessEvents) isFlowContinuation() {}
func (ContinuationAbort) isFlowContinuation()         {}

// noop returns state unchanged with nothing to do.
func noop(state StateMachineState) TransitionResult {
	return TransitionResult{NewState: state, Continuation: ContinuationProcessEvents{}}
}
