package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/flowsm/internal/queue"
	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
)

// queuedEvent is an event waiting for a runner. Events raised on behalf of
// one incarnation of the flow (timers, async results, hospital decisions)
// carry its epoch and are dropped once the flow has been retried. Epoch 0
// is delivered to any incarnation.
type queuedEvent struct {
	event sm.Event
	epoch uint64
}

// runner drives one flow run. All of its fields except events and the
// timer list are owned by the runner goroutine.
type runner struct {
	node   *Node
	id     sm.RunID
	handle *FlowHandle
	events *queue.Queue[queuedEvent]
	logger *slog.Logger

	state   sm.StateMachineState
	initial sm.StateMachineState
	fiber   *Fiber
	epoch   uint64
	tx      *store.Tx

	pendingRetry bool
	removed      bool
	paused       bool

	timersMu sync.Mutex
	timers   []*time.Timer
}

func newRunner(n *Node, runID sm.RunID, state sm.StateMachineState, handle *FlowHandle) *runner {
	return &runner{
		node:    n,
		id:      runID,
		handle:  handle,
		events:  queue.New[queuedEvent](),
		logger:  n.logger.With("run_id", runID),
		state:   state,
		initial: state,
		epoch:   1,
	}
}

// enqueue adds an event for any incarnation of the flow.
func (r *runner) enqueue(event sm.Event) bool {
	return r.events.Enqueue(queuedEvent{event: event})
}

// enqueueFor adds an event for one incarnation of the flow.
func (r *runner) enqueueFor(epoch uint64, event sm.Event) bool {
	return r.events.Enqueue(queuedEvent{event: event, epoch: epoch})
}

// scheduleAfter enqueues event for the current incarnation once delay has
// elapsed.
func (r *runner) scheduleAfter(delay time.Duration, event sm.Event) {
	epoch := r.epoch
	if delay <= 0 {
		r.enqueueFor(epoch, event)
		return
	}
	t := time.AfterFunc(delay, func() { r.enqueueFor(epoch, event) })
	r.timersMu.Lock()
	r.timers = append(r.timers, t)
	r.timersMu.Unlock()
}

func (r *runner) stopTimers() {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

func (r *runner) done() bool {
	return r.removed || r.paused
}

// run processes events until the flow is removed or paused, or ctx ends.
func (r *runner) run(ctx context.Context) {
	defer r.node.runnerExited(r)
	defer r.events.Close()
	defer r.stopTimers()

	for !r.done() {
		qe, err := r.events.Next(ctx)
		if err != nil {
			r.logger.Debug("runner stopping", "reason", err)
			break
		}
		if qe.epoch != 0 && qe.epoch != r.epoch {
			r.logger.Debug("dropping event of a previous incarnation", "event", sm.EventKind(qe.event))
			continue
		}
		r.process(ctx, qe.event)
	}
	r.discardFiber()
	r.rollback()
}

// process applies event and then every event the fiber raises in
// response, before any queued event is looked at.
func (r *runner) process(ctx context.Context, event sm.Event) {
	fromFiber := false
	for event != nil && !r.done() {
		event, fromFiber = r.step(ctx, event, fromFiber)
	}
}

// step runs one transition and executes its outcome. It returns the next
// event to process immediately, if any, and whether the fiber raised it.
func (r *runner) step(ctx context.Context, event sm.Event, fromFiber bool) (sm.Event, bool) {
	ctx, span := r.node.tracer.Start(ctx, "flowsm.transition", trace.WithAttributes(
		attribute.String("flowsm.run_id", string(r.id)),
		attribute.String("flowsm.event", sm.EventKind(event)),
	))
	defer span.End()

	prev := r.state
	result := r.node.machine.Transition(r.id, event, r.state, r.node.clock.Now())
	span.SetAttributes(
		attribute.String("flowsm.continuation", sm.ContinuationKind(result.Continuation)),
		attribute.StringSlice("flowsm.actions", sm.ActionKinds(result.Actions)),
	)
	r.logger.Debug("transition",
		"event", sm.EventKind(event),
		"actions", sm.ActionKinds(result.Actions),
		"continuation", sm.ContinuationKind(result.Continuation),
	)

	r.state = result.NewState
	if err := r.execute(ctx, result.Actions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "action failed")
		r.logger.Warn("action failed, raising error in flow",
			"event", sm.EventKind(event),
			"actions", sm.ActionKinds(result.Actions),
			"error", err,
		)
		r.rollback()
		r.state = prev
		return sm.EventError{Err: err}, false
	}
	r.consultHospital(prev)

	switch c := result.Continuation.(type) {
	case sm.ContinuationResume:
		return r.resume(fiberReply{value: c.Value}), true
	case sm.ContinuationThrow:
		return r.resume(fiberReply{err: c.Err}), true
	case sm.ContinuationProcessEvents:
		// Sub-flow bookkeeping keeps the flow running without handing it a
		// value.
		if fromFiber && r.state.IsFlowResumed && r.fiber != nil {
			return r.resume(fiberReply{}), true
		}
		return nil, false
	case sm.ContinuationAbort:
		r.abort(ctx)
		return nil, false
	default:
		panic(fmt.Sprintf("engine: unhandled continuation %T", c))
	}
}

// consultHospital admits the flow when the last transition added errors
// and nobody has decided yet what to do with them.
func (r *runner) consultHospital(prev sm.StateMachineState) {
	es, ok := r.state.Checkpoint.ErrorState.(sm.ErrorStateErrored)
	if !ok || es.Propagating || r.state.IsRemoved || r.state.IsKilled {
		return
	}
	before := 0
	if pes, ok := prev.Checkpoint.ErrorState.(sm.ErrorStateErrored); ok {
		before = len(pes.Errors)
	}
	if len(es.Errors) <= before {
		return
	}
	t := r.node.hospital.RequestTreatment(r.id, r.state, es.Errors[before:])
	r.logger.Info("flow admitted to hospital", "outcome", t.Outcome, "delay", t.Delay)
	r.scheduleAfter(t.Delay, t.Event)
}

// resume hands a continuation to the fiber, starting it first if needed,
// and returns the event the fiber raises next.
func (r *runner) resume(reply fiberReply) sm.Event {
	f, err := r.ensureFiber()
	if err != nil {
		return sm.EventError{Err: err}
	}
	if !f.started {
		restoring := f.restoring
		f.start()
		y, ok := f.next()
		if !ok {
			return nil
		}
		// Fresh logic runs up to its first call without waiting for a
		// value: the reply that starts it carries none.
		if !restoring {
			return y.event
		}
		if y.event != nil {
			r.discardFiber()
			return y.event
		}
		started, isStarted := r.state.Checkpoint.FlowState.(sm.FlowStateStarted)
		if !isStarted || !compatibleOps(y.parked, started.IORequest) {
			r.discardFiber()
			return sm.EventError{Err: newRuntimeError(ErrCodeReplayDiverged, string(r.id),
				"flow logic stopped at %s, checkpoint is suspended on %s", y.parked, sm.FlowStateKind(r.state.Checkpoint.FlowState))}
		}
	}
	y, ok := f.deliver(reply)
	if !ok {
		return nil
	}
	return y.event
}

// ensureFiber returns the fiber of the flow, building it from the
// checkpoint when there is none.
func (r *runner) ensureFiber() (*Fiber, error) {
	if r.fiber != nil {
		return r.fiber, nil
	}
	ourIdentity := r.state.Checkpoint.CheckpointState.OurIdentity
	switch fs := r.state.Checkpoint.FlowState.(type) {
	case sm.FlowStateUnstarted:
		logic, err := r.node.registry.thaw(fs.FrozenFlowLogic)
		if err != nil {
			return nil, err
		}
		var initiating *FlowSession
		if start, ok := fs.FlowStart.(sm.FlowStartInitiated); ok {
			initiating = &FlowSession{ID: start.InitiatedSessionID, Counterparty: start.PeerParty}
		}
		r.fiber = newFiber(r.id, ourIdentity, r.node.clock, logic, fs.FrozenFlowLogic, initiating)
	case sm.FlowStateStarted:
		f, err := restoreFiber(r.id, ourIdentity, r.node.clock, r.node.registry, fs.FrozenFiber)
		if err != nil {
			return nil, err
		}
		r.fiber = f
	case sm.FlowStateFinished, sm.FlowStatePaused:
		return nil, newRuntimeError(ErrCodeReplayDiverged, string(r.id), "cannot run flow logic of a %s flow", sm.FlowStateKind(fs))
	default:
		panic(fmt.Sprintf("engine: unhandled flow state %T", fs))
	}
	return r.fiber, nil
}

func (r *runner) discardFiber() {
	if r.fiber == nil {
		return
	}
	r.fiber.stop()
	r.fiber = nil
}

// abort discards the fiber. A retry requested by the transition restarts
// the flow from its last checkpoint.
func (r *runner) abort(ctx context.Context) {
	r.discardFiber()
	r.rollback()
	if r.pendingRetry {
		r.pendingRetry = false
		r.retryFromSafePoint(ctx)
	}
}

// retryFromSafePoint rewinds the flow to its last persisted checkpoint, or
// to its initial state if it never wrote one. Inbound messages processed
// since then are delivered again.
func (r *runner) retryFromSafePoint(ctx context.Context) {
	old := r.state
	r.epoch++
	r.stopTimers()

	next := r.initial
	if old.IsAnyCheckpointPersisted {
		rec, err := r.node.store.LoadCheckpoint(ctx, r.id)
		if err != nil {
			r.logger.Error("cannot reload checkpoint for retry", "error", err)
			r.state = old
			r.enqueueFor(r.epoch, sm.EventError{Err: err})
			return
		}
		next = sm.StateMachineState{
			Checkpoint:               rec.Checkpoint,
			IsAnyCheckpointPersisted: true,
			SenderUUID:               old.SenderUUID,
		}
	}
	next.Checkpoint.ErrorState = sm.ErrorStateClean{}
	next.Checkpoint.Status = sm.StatusRunnable
	r.state = next

	r.node.router.unbindRun(r.id)
	r.node.router.bindCheckpoint(r.id, next.Checkpoint)

	r.logger.Info("retrying flow from safe point", "suspends", next.Checkpoint.CheckpointState.NumberOfSuspends)
	r.enqueueFor(r.epoch, sm.EventDoRemainingWork{})
	for _, h := range old.PendingDeduplicationHandlers {
		if h.Cause != sm.CauseSessionMessage {
			continue
		}
		r.redeliver(h.ID)
	}
}

// redeliver queues the unacknowledged inbound message with the given key
// again.
func (r *runner) redeliver(key string) {
	in, ok := r.node.pendingInbound(key)
	if !ok {
		return
	}
	msg, ok := in.Message.(sm.ExistingSessionMessage)
	if !ok {
		return
	}
	r.enqueueFor(r.epoch, deliverEvent(in, msg))
}
