package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsm/internal/config"
	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
	"github.com/roach88/flowsm/internal/testutil"
	"github.com/roach88/flowsm/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns the defaults for identity with a hospital fast enough
// for tests.
func testConfig(identity string) config.Node {
	cfg := config.Default(identity)
	cfg.Hospital.BackoffBase = config.Duration(time.Millisecond)
	cfg.Hospital.BackoffMax = config.Duration(10 * time.Millisecond)
	cfg.Hospital.Jitter = 0
	return cfg
}

func createTestStore(t *testing.T, reg *Registry) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.db")
	st, err := store.Open(path, store.WithCodec(reg.Codec()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, path
}

type testNode struct {
	*Node
	store *store.Store
}

// startTestNode starts a node for identity on bus with its own store.
func startTestNode(t *testing.T, bus *transport.Bus, reg *Registry, identity string, ids ...string) *testNode {
	t.Helper()
	st, _ := createTestStore(t, reg)
	return startNodeOn(t, bus, reg, st, identity, ids...)
}

func startNodeOn(t *testing.T, bus *transport.Bus, reg *Registry, st *store.Store, identity string, ids ...string) *testNode {
	t.Helper()
	var gen RunIDGenerator = UUIDv7Generator{}
	if len(ids) > 0 {
		gen = NewFixedGenerator(ids...)
	}
	n := NewNode(testConfig(identity), st, bus, reg,
		WithLogger(quietLogger()),
		WithRunIDGenerator(gen),
		WithRandom(testutil.NewSequenceRandom(100)),
		WithSenderUUID("sender-"+identity),
	)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return &testNode{Node: n, store: st}
}

func result(t *testing.T, h *FlowHandle) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	out, err := h.Result(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "flow %s did not finish", h.RunID)
	return out, err
}

// waitForRequest waits until the checkpoint of runID is suspended on the
// request kind.
func waitForRequest(t *testing.T, st *store.Store, runID sm.RunID, kind string) store.CheckpointRecord {
	t.Helper()
	var rec store.CheckpointRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = st.LoadCheckpoint(context.Background(), runID)
		return err == nil && rec.Checkpoint.FlowIORequest == kind
	}, waitFor, tick)
	return rec
}

// countingOperation is an async operation that fails while failures is
// positive.
type countingOperation struct {
	mu       sync.Mutex
	calls    []string
	failures int
	result   []byte
}

func (o *countingOperation) Name() string { return "counting" }

func (o *countingOperation) Execute(_ context.Context, deduplicationID string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, deduplicationID)
	if o.failures > 0 {
		o.failures--
		return nil, errTransient
	}
	return o.result, nil
}

func (o *countingOperation) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

var errTransient = errors.New("temporarily unavailable")

// pingPongRegistry registers an initiating Ping flow that sends its args
// to the party named "bob" and returns the reply, and a Pong responder
// that answers with the payload plus "-pong".
func pingPongRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("Ping", func(args []byte) FlowLogic {
		return func(f *Fiber) ([]byte, error) {
			s, err := f.InitiateFlow("bob")
			if err != nil {
				return nil, err
			}
			f.SetProgress("waiting for pong")
			return f.SendAndReceive(s, args)
		}
	}, InitiatingOptions{Initiating: true})
	reg.Register("Pong", func([]byte) FlowLogic {
		return func(f *Fiber) ([]byte, error) {
			s, ok := f.InitiatingSession()
			if !ok {
				return nil, sm.NewFlowException("pong must be initiated")
			}
			msg, err := f.Receive(s)
			if err != nil {
				return nil, err
			}
			reply := append(msg, []byte("-pong")...)
			if err := f.Send(s, reply); err != nil {
				return nil, err
			}
			return reply, nil
		}
	}, InitiatingOptions{})
	reg.RegisterResponder("Ping", "Pong")
	return reg
}
