package statemachine

import (
	"errors"
	"log/slog"
	"time"
)

// transitionContext is what a transition may consult besides its state.
type transitionContext struct {
	id     RunID
	random RandomSource
	now    time.Time
	logger *slog.Logger
}

// transitionBuilder accumulates the next state and the ordered action list of
// a single transition. It never outlives the transition that created it.
type transitionBuilder struct {
	ctx     *transitionContext
	state   StateMachineState
	actions []Action
}

func newTransitionBuilder(ctx *transitionContext, state StateMachineState) *transitionBuilder {
	return &transitionBuilder{ctx: ctx, state: state}
}

// build runs fn against a fresh builder and packages the outcome.
func build(ctx *transitionContext, state StateMachineState, fn func(b *transitionBuilder) FlowContinuation) TransitionResult {
	b := newTransitionBuilder(ctx, state)
	cont := fn(b)
	return b.result(cont)
}

func (b *transitionBuilder) result(cont FlowContinuation) TransitionResult {
	return TransitionResult{NewState: b.state, Actions: b.actions, Continuation: cont}
}

func (b *transitionBuilder) add(actions ...Action) {
	b.actions = append(b.actions, actions...)
}

func (b *transitionBuilder) isErrored() bool {
	_, ok := b.state.Checkpoint.ErrorState.(ErrorStateErrored)
	return ok
}

// errorID returns the id err was originally propagated under, or mints one.
func (b *transitionBuilder) errorID(err error) int64 {
	var id identifiable
	if errors.As(err, &id) {
		if original, ok := id.OriginalErrorID(); ok {
			return original
		}
	}
	return b.ctx.random.Int63()
}

// freshErrorTransition puts the flow into the error state for err.
func (b *transitionBuilder) freshErrorTransition(err error) {
	b.errorsTransition([]FlowError{{ErrorID: b.errorID(err), Err: err}})
}

// errorsTransition adds errs to the error state. Every action gathered so far
// is discarded: the open transaction is rolled back and the flow re-evaluates
// its error state on the next DoRemainingWork.
func (b *transitionBuilder) errorsTransition(errs []FlowError) {
	b.ctx.logger.Debug("flow entering error state", "run_id", b.ctx.id, "errors", len(errs), "first", errs[0].Err)
	b.state.Checkpoint.ErrorState = addErrors(b.state.Checkpoint.ErrorState, errs)
	b.state.IsFlowResumed = false
	b.actions = []Action{
		ActionRollbackTransaction{},
		ActionScheduleEvent{Event: EventDoRemainingWork{}},
	}
}

// resumeFlowLogic hands value to user code inside a new transaction.
func (b *transitionBuilder) resumeFlowLogic(value any) FlowContinuation {
	b.add(ActionCreateTransaction{})
	b.state.IsFlowResumed = true
	return ContinuationResume{Value: value}
}

// throwToFlowLogic raises err in user code inside a new transaction.
func (b *transitionBuilder) throwToFlowLogic(err error) FlowContinuation {
	b.add(ActionCreateTransaction{})
	b.state.IsFlowResumed = true
	return ContinuationThrow{Err: err}
}

func (b *transitionBuilder) senderDeduplicationID(id MessageIdentifier) SenderDeduplicationID {
	return SenderDeduplicationID{MessageID: id, SenderUUID: b.state.SenderUUID}
}
