package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsm/internal/hospital"
	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
	"github.com/roach88/flowsm/internal/transport"
)

func TestNode_PingPong(t *testing.T) {
	reg := pingPongRegistry()
	bus := transport.NewBus(transport.WithCodec(reg.Codec()))
	alice := startTestNode(t, bus, reg, "alice", "ping-1")
	bob := startTestNode(t, bus, reg, "bob", "pong-1")

	h, err := alice.StartFlow(context.Background(), "Ping", []byte("ping"), StartOptions{Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, sm.RunID("ping-1"), h.RunID)

	out, err := result(t, h)
	require.NoError(t, err)
	assert.Equal(t, "ping-pong", string(out))

	select {
	case <-h.Started():
	default:
		t.Fatal("finished flow was never signalled as started")
	}

	// Neither side asked to keep its checkpoint.
	require.Eventually(t, func() bool {
		a, errA := alice.store.ListCheckpoints(context.Background())
		b, errB := bob.store.ListCheckpoints(context.Background())
		return errA == nil && errB == nil && len(a) == 0 && len(b) == 0
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(alice.Running()) == 0 && len(bob.Running()) == 0
	}, waitFor, tick)
}

func TestNode_StartFlow_UnknownClass(t *testing.T) {
	reg := pingPongRegistry()
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice")

	_, err := alice.StartFlow(context.Background(), "Nope", nil, StartOptions{})
	require.Error(t, err)
	assert.True(t, IsUnknownFlowClass(err))
}

func TestNode_StartFlow_Stopped(t *testing.T) {
	reg := pingPongRegistry()
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice")
	alice.Stop()

	_, err := alice.StartFlow(context.Background(), "Ping", nil, StartOptions{})
	require.Error(t, err)
	assert.True(t, IsNodeStopped(err))
}

func TestNode_RejectsUnknownInitiator(t *testing.T) {
	reg := pingPongRegistry()
	bus := transport.NewBus(transport.WithCodec(reg.Codec()))
	alice := startTestNode(t, bus, reg, "alice", "ping-1")

	// bob knows the flows but has no responder for Ping.
	bobReg := NewRegistry()
	startTestNode(t, bus, bobReg, "bob")

	h, err := alice.StartFlow(context.Background(), "Ping", []byte("ping"), StartOptions{})
	require.NoError(t, err)

	_, err = result(t, h)
	require.Error(t, err)
	assert.True(t, sm.IsUnexpectedFlowEnd(err), "got %v", err)
	assert.Contains(t, err.Error(), "not registered as an initiating flow")
}

func TestNode_ClientIDKeepsOutcome(t *testing.T) {
	reg := pingPongRegistry()
	bus := transport.NewBus(transport.WithCodec(reg.Codec()))
	alice := startTestNode(t, bus, reg, "alice", "ping-1")
	startTestNode(t, bus, reg, "bob", "pong-1")

	h, err := alice.StartFlow(context.Background(), "Ping", []byte("ping"), StartOptions{ClientID: "client-1"})
	require.NoError(t, err)
	out, err := result(t, h)
	require.NoError(t, err)
	assert.Equal(t, "ping-pong", string(out))

	rec, err := alice.store.FindCheckpointByClientID(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, sm.StatusCompleted, rec.Status)
	assert.Equal(t, "ping-pong", string(rec.Checkpoint.Result))

	// Starting again with the same client id returns the same run.
	again, err := alice.StartFlow(context.Background(), "Ping", []byte("ping"), StartOptions{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Same(t, h, again)
}

func TestNode_ClientIDAfterRestart(t *testing.T) {
	reg := pingPongRegistry()
	bus := transport.NewBus(transport.WithCodec(reg.Codec()))
	st, _ := createTestStore(t, reg)
	alice := startNodeOn(t, bus, reg, st, "alice", "ping-1")
	startTestNode(t, bus, reg, "bob", "pong-1")

	h, err := alice.StartFlow(context.Background(), "Ping", []byte("ping"), StartOptions{ClientID: "client-1"})
	require.NoError(t, err)
	_, err = result(t, h)
	require.NoError(t, err)
	alice.Stop()

	restarted := startNodeOn(t, bus, reg, st, "alice")
	again, err := restarted.StartFlow(context.Background(), "Ping", nil, StartOptions{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, sm.RunID("ping-1"), again.RunID)
	out, err := result(t, again)
	require.NoError(t, err)
	assert.Equal(t, "ping-pong", string(out))
}

// ledgerRegistry registers a flow that runs the counting operation, waits
// for the ledger to commit the transaction named by its args and returns
// the operation's result.
func ledgerRegistry(op *countingOperation) *Registry {
	reg := NewRegistry()
	reg.RegisterOperation(op)
	reg.Register("Settle", func(args []byte) FlowLogic {
		return func(f *Fiber) ([]byte, error) {
			out, err := f.ExecuteAsync(op)
			if err != nil {
				return nil, err
			}
			f.SetProgress("awaiting commit")
			if err := f.WaitForLedgerCommit(string(args)); err != nil {
				return nil, err
			}
			return out, nil
		}
	}, InitiatingOptions{})
	return reg
}

func TestNode_RestoreReplaysJournal(t *testing.T) {
	op := &countingOperation{result: []byte("settled")}
	reg := ledgerRegistry(op)
	bus := transport.NewBus()
	st, _ := createTestStore(t, reg)
	alice := startNodeOn(t, bus, reg, st, "alice", "settle-1")

	h, err := alice.StartFlow(context.Background(), "Settle", []byte("tx-1"), StartOptions{ClientID: "client-1"})
	require.NoError(t, err)

	rec := waitForRequest(t, st, "settle-1", "WaitForLedgerCommit")
	assert.Equal(t, "awaiting commit", rec.ProgressStep)
	assert.Equal(t, sm.StatusRunnable, rec.Status)

	alice.Stop()
	_, err = result(t, h)
	require.Error(t, err)
	assert.True(t, IsFlowShutdown(err))

	restarted := startNodeOn(t, bus, reg, st, "alice")
	again, err := restarted.StartFlow(context.Background(), "Settle", nil, StartOptions{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, sm.RunID("settle-1"), again.RunID)

	restarted.NotifyTransactionCommitted("tx-1")
	out, err := result(t, again)
	require.NoError(t, err)
	assert.Equal(t, "settled", string(out))

	// The restored flow took the result of the operation from its journal.
	assert.Equal(t, []string{"settle-1:2"}, op.Calls())
}

func TestNode_TransientFailureIsRetried(t *testing.T) {
	op := &countingOperation{result: []byte("settled"), failures: 1}
	reg := ledgerRegistry(op)
	reg.Register("Flaky", func([]byte) FlowLogic {
		return func(f *Fiber) ([]byte, error) {
			out, err := f.ExecuteAsync(op)
			if err != nil {
				return nil, hospital.MarkTransient(err)
			}
			return out, nil
		}
	}, InitiatingOptions{})
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice", "flaky-1")

	h, err := alice.StartFlow(context.Background(), "Flaky", nil, StartOptions{})
	require.NoError(t, err)

	out, err := result(t, h)
	require.NoError(t, err)
	assert.Equal(t, "settled", string(out))
	assert.Len(t, op.Calls(), 2)
	// Both attempts ran at the same suspension, so they share a
	// deduplication id.
	assert.Equal(t, op.Calls()[0], op.Calls()[1])
}

func TestNode_Kill(t *testing.T) {
	op := &countingOperation{result: []byte("settled")}
	reg := ledgerRegistry(op)
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice", "settle-1")

	h, err := alice.StartFlow(context.Background(), "Settle", []byte("tx-1"), StartOptions{})
	require.NoError(t, err)
	waitForRequest(t, alice.store, "settle-1", "WaitForLedgerCommit")

	require.NoError(t, alice.Kill("settle-1"))
	_, err = result(t, h)
	require.Error(t, err)
	assert.True(t, sm.IsKilled(err), "got %v", err)

	_, err = alice.store.LoadCheckpoint(context.Background(), "settle-1")
	assert.ErrorIs(t, err, store.ErrCheckpointNotFound)

	require.Eventually(t, func() bool { return IsFlowNotFound(alice.Kill("settle-1")) }, waitFor, tick)
}

func TestNode_PauseAndRetry(t *testing.T) {
	op := &countingOperation{result: []byte("settled")}
	reg := ledgerRegistry(op)
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice", "settle-1")

	h, err := alice.StartFlow(context.Background(), "Settle", []byte("tx-1"), StartOptions{})
	require.NoError(t, err)
	waitForRequest(t, alice.store, "settle-1", "WaitForLedgerCommit")

	require.NoError(t, alice.Pause("settle-1"))
	require.Eventually(t, func() bool {
		paused := alice.Paused()
		return len(paused) == 1 && paused[0] == "settle-1"
	}, waitFor, tick)

	rec, err := alice.store.LoadCheckpoint(context.Background(), "settle-1")
	require.NoError(t, err)
	assert.Equal(t, sm.StatusPaused, rec.Status)

	// The commit lands while nobody listens.
	alice.NotifyTransactionCommitted("tx-1")

	require.NoError(t, alice.RetryFlow(context.Background(), "settle-1"))
	out, err := result(t, h)
	require.NoError(t, err)
	assert.Equal(t, "settled", string(out))
	assert.Empty(t, alice.Paused())
}

func TestNode_RetryFlow_NotRetryable(t *testing.T) {
	op := &countingOperation{result: []byte("settled")}
	reg := ledgerRegistry(op)
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice", "settle-1")

	_, err := alice.StartFlow(context.Background(), "Settle", []byte("tx-1"), StartOptions{})
	require.NoError(t, err)
	waitForRequest(t, alice.store, "settle-1", "WaitForLedgerCommit")

	err = alice.RetryFlow(context.Background(), "settle-1")
	require.Error(t, err)
	assert.True(t, hasCode(err, ErrCodeNotRetryable))

	err = alice.RetryFlow(context.Background(), "missing")
	assert.True(t, IsFlowNotFound(err))
}

func TestNode_SleepWakesUp(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Nap", func([]byte) FlowLogic {
		return func(f *Fiber) ([]byte, error) {
			if err := f.Sleep(20 * time.Millisecond); err != nil {
				return nil, err
			}
			return []byte("rested"), nil
		}
	}, InitiatingOptions{})
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice", "nap-1")

	h, err := alice.StartFlow(context.Background(), "Nap", nil, StartOptions{})
	require.NoError(t, err)
	out, err := result(t, h)
	require.NoError(t, err)
	assert.Equal(t, "rested", string(out))
}

func TestNode_FlowExceptionFailsFlow(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Boom", func([]byte) FlowLogic {
		return func(f *Fiber) ([]byte, error) {
			if err := f.Checkpoint(); err != nil {
				return nil, err
			}
			return nil, sm.NewFlowException("boom")
		}
	}, InitiatingOptions{})
	bus := transport.NewBus()
	alice := startTestNode(t, bus, reg, "alice", "boom-1")

	h, err := alice.StartFlow(context.Background(), "Boom", nil, StartOptions{ClientID: "client-1"})
	require.NoError(t, err)
	_, err = result(t, h)
	require.Error(t, err)
	assert.True(t, sm.IsFlowException(err))

	rec, err := alice.store.FindCheckpointByClientID(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, sm.StatusFailed, rec.Status)
	assert.Empty(t, alice.Hospital().Patients())
}
