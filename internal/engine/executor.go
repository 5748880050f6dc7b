package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/flowsm/internal/hospital"
	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
)

// execute runs the actions of a transition in order and stops at the
// first failure.
func (r *runner) execute(ctx context.Context, actions []sm.Action) error {
	for _, a := range actions {
		if err := r.executeAction(ctx, a); err != nil {
			return &hospital.TransitionError{Action: sm.ActionKind(a), Err: err}
		}
	}
	return nil
}

func (r *runner) executeAction(ctx context.Context, action sm.Action) error {
	switch a := action.(type) {
	case sm.ActionCreateTransaction:
		if r.tx != nil {
			r.logger.Warn("rolling back transaction left open by a previous transition")
			r.rollback()
		}
		return nil
	case sm.ActionCommitTransaction:
		return r.commit()
	case sm.ActionRollbackTransaction:
		r.rollback()
		return nil
	case sm.ActionPersistCheckpoint:
		tx, err := r.ensureTx(ctx)
		if err != nil {
			return err
		}
		return tx.PersistCheckpoint(ctx, a.RunID, a.Checkpoint, a.IsCheckpointUpdate)
	case sm.ActionRemoveCheckpoint:
		tx, err := r.ensureTx(ctx)
		if err != nil {
			return err
		}
		return tx.RemoveCheckpoint(ctx, a.RunID)
	case sm.ActionPersistDeduplicationFacts:
		if len(a.Handlers) == 0 {
			return nil
		}
		tx, err := r.ensureTx(ctx)
		if err != nil {
			return err
		}
		return tx.PersistDeduplicationFacts(ctx, r.id, a.Handlers)
	case sm.ActionUpdateFlowStatus:
		tx, err := r.ensureTx(ctx)
		if err != nil {
			return err
		}
		// A flow that never wrote a checkpoint has no status to update.
		if err := tx.UpdateStatus(ctx, a.RunID, a.Status); err != nil && !errors.Is(err, store.ErrCheckpointNotFound) {
			return err
		}
		return nil
	case sm.ActionAcknowledgeMessages:
		r.node.acknowledge(a.Handlers)
		return nil
	case sm.ActionSendInitial:
		return r.node.send(a.Destination, a.Message, a.DeduplicationID)
	case sm.ActionSendExisting:
		return r.node.send(a.PeerParty, a.Message, a.DeduplicationID)
	case sm.ActionSendMultiple:
		for _, s := range a.SendInitial {
			if err := r.node.send(s.Destination, s.Message, s.DeduplicationID); err != nil {
				return err
			}
		}
		for _, s := range a.SendExisting {
			if err := r.node.send(s.PeerParty, s.Message, s.DeduplicationID); err != nil {
				return err
			}
		}
		return nil
	case sm.ActionPropagateErrors:
		return r.propagateErrors(a)
	case sm.ActionScheduleEvent:
		r.enqueueFor(r.epoch, a.Event)
		return nil
	case sm.ActionExecuteAsyncOperation:
		r.executeAsync(ctx, a)
		return nil
	case sm.ActionTrackTransaction:
		if r.node.ledger.track(a.TxHash, r.id, r.epoch) {
			r.enqueueFor(r.epoch, sm.EventTransactionCommitted{TxHash: a.TxHash})
		}
		return nil
	case sm.ActionSleepUntil:
		r.scheduleAfter(a.Time.Sub(r.node.clock.Now()), sm.EventWakeUpFromSleep{})
		return nil
	case sm.ActionAddSessionBinding:
		r.node.router.bind(a.SessionID, a.RunID)
		return nil
	case sm.ActionRemoveSessionBindings:
		r.node.router.unbind(a.SessionIDs...)
		return nil
	case sm.ActionRemoveFlow:
		r.removeFlow(a)
		return nil
	case sm.ActionReleaseSoftLocks:
		r.logger.Debug("releasing soft locks", "lock_id", a.LockID)
		return nil
	case sm.ActionSignalFlowHasStarted:
		r.handle.signalStarted()
		return nil
	case sm.ActionRetryFlowFromSafePoint:
		r.pendingRetry = true
		return nil
	case sm.ActionMoveFlowToPaused:
		r.paused = true
		r.node.park(r.id, a.State, r.handle)
		return nil
	default:
		panic(fmt.Sprintf("engine: unhandled action %T", action))
	}
}

// ensureTx begins the store transaction on first use. Transitions that
// bracket no persistence never touch the database.
func (r *runner) ensureTx(ctx context.Context) (*store.Tx, error) {
	if r.tx != nil {
		return r.tx, nil
	}
	tx, err := r.node.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	r.tx = tx
	return tx, nil
}

func (r *runner) commit() error {
	if r.tx == nil {
		return nil
	}
	tx := r.tx
	r.tx = nil
	return tx.Commit()
}

func (r *runner) rollback() {
	if r.tx == nil {
		return
	}
	if err := r.tx.Rollback(); err != nil {
		r.logger.Warn("rollback failed", "error", err)
	}
	r.tx = nil
}

// propagateErrors sends every error message to every session.
func (r *runner) propagateErrors(a sm.ActionPropagateErrors) error {
	now := r.node.clock.Now()
	for _, msg := range a.ErrorMessages {
		for _, s := range a.Sessions {
			sink, live := s.PeerSinkSessionID()
			if !live {
				continue
			}
			dedupID := sm.SenderDeduplicationID{
				MessageID: sm.MessageIdentifier{
					Type:      sm.MessageTypeError,
					SessionID: sink,
					ErrorID:   msg.ErrorID,
					Timestamp: now,
				},
				SenderUUID: a.SenderUUID,
			}
			out := sm.ExistingSessionMessage{RecipientSessionID: sink, Payload: msg}
			if err := r.node.send(s.PeerParty, out, dedupID); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeAsync runs the operation on its own goroutine and feeds its
// outcome back to the incarnation that asked for it.
func (r *runner) executeAsync(ctx context.Context, a sm.ActionExecuteAsyncOperation) {
	epoch := r.epoch
	op := a.Operation
	go func() {
		result, err := op.Execute(ctx, a.DeduplicationID)
		if err != nil {
			r.enqueueFor(epoch, sm.EventAsyncOperationThrows{Err: err})
			return
		}
		r.enqueueFor(epoch, sm.EventAsyncOperationCompletion{Result: result})
	}()
}

func (r *runner) removeFlow(a sm.ActionRemoveFlow) {
	r.removed = true
	r.node.hospital.Leave(a.RunID)
	r.node.router.unbindRun(a.RunID)
	r.handle.resolveRemoval(a.Reason)
	r.logger.Info("flow removed", "reason", removalKind(a.Reason), "status", a.State.Checkpoint.Status)
}

func removalKind(reason sm.FlowRemovalReason) string {
	switch reason.(type) {
	case sm.RemovalOrderlyFinish:
		return "orderly_finish"
	case sm.RemovalErrorFinish:
		return "error_finish"
	case sm.RemovalKilled:
		return "killed"
	case sm.RemovalSoftShutdown:
		return "soft_shutdown"
	default:
		panic(fmt.Sprintf("engine: unhandled removal reason %T", reason))
	}
}
