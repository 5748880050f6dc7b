package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/flowsm/internal/config"
	"github.com/roach88/flowsm/internal/hospital"
	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/store"
	"github.com/roach88/flowsm/internal/transport"
)

const tracerName = "github.com/roach88/flowsm/internal/engine"

// StartOptions describe who starts a flow.
type StartOptions struct {
	// ClientID makes the start idempotent: starting again with the same id
	// returns the handle of the existing run, and the checkpoint of a
	// finished run is kept so its outcome can be collected later.
	ClientID string
	Actor    string
}

type pausedFlow struct {
	state  sm.StateMachineState
	handle *FlowHandle
}

// Node hosts the flows of one party.
//
// Each flow run is driven by its own runner goroutine. The node owns what
// runners share: the store, the transport endpoint, the session binding
// table, the hospital and the ledger of committed transactions.
type Node struct {
	cfg        config.Node
	identity   sm.Party
	store      *store.Store
	bus        *transport.Bus
	registry   *Registry
	machine    *sm.StateMachine
	hospital   *hospital.Hospital
	clock      Clock
	ids        RunIDGenerator
	random     sm.RandomSource
	tracer     trace.Tracer
	logger     *slog.Logger
	senderUUID string

	router   *router
	ledger   *ledger
	dedup    *cache.Cache
	endpoint atomic.Pointer[transport.Endpoint]

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runners map[sm.RunID]*runner
	paused  map[sm.RunID]pausedFlow
	clients map[string]*FlowHandle
}

// NodeOption configures a Node.
type NodeOption func(*Node)

func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) { n.logger = logger }
}

// WithClock sets the clock handed to transitions and sleep timers.
func WithClock(clock Clock) NodeOption {
	return func(n *Node) { n.clock = clock }
}

func WithRunIDGenerator(ids RunIDGenerator) NodeOption {
	return func(n *Node) { n.ids = ids }
}

// WithRandom sets the source of session and error ids. It is shared by all
// runners and must be safe for concurrent use.
func WithRandom(random sm.RandomSource) NodeOption {
	return func(n *Node) { n.random = random }
}

func WithTracerProvider(tp trace.TracerProvider) NodeOption {
	return func(n *Node) { n.tracer = tp.Tracer(tracerName) }
}

func WithHospital(h *hospital.Hospital) NodeOption {
	return func(n *Node) { n.hospital = h }
}

// WithSenderUUID fixes the id this incarnation of the node sends messages
// under. It defaults to a fresh UUIDv7.
func WithSenderUUID(id string) NodeOption {
	return func(n *Node) { n.senderUUID = id }
}

// NewNode creates a node for cfg.Identity. The node does nothing until
// Start.
func NewNode(cfg config.Node, st *store.Store, bus *transport.Bus, reg *Registry, opts ...NodeOption) *Node {
	n := &Node{
		cfg:      cfg,
		identity: sm.Party(cfg.Identity),
		store:    st,
		bus:      bus,
		registry: reg,
		clock:    systemClock{},
		ids:      UUIDv7Generator{},
		random:   sm.NewSecureRandom(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		router:   newRouter(),
		ledger:   newLedger(),
		runners:  make(map[sm.RunID]*runner),
		paused:   make(map[sm.RunID]pausedFlow),
		clients:  make(map[string]*FlowHandle),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", cfg.Identity)
	if n.senderUUID == "" {
		n.senderUUID = uuid.Must(uuid.NewV7()).String()
	}
	if n.hospital == nil {
		n.hospital = hospital.New(cfg.HospitalConfig(), hospital.WithLogger(n.logger))
	}
	n.machine = sm.New(n.random, sm.WithLogger(n.logger))
	ttl := time.Duration(cfg.Engine.DedupCacheTTL)
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	n.dedup = cache.New(ttl, 2*ttl)
	return n
}

// Identity returns the party the node runs as.
func (n *Node) Identity() sm.Party { return n.identity }

// Start attaches the node to the bus and resumes every runnable checkpoint
// in the store. Flows under observation before the restart are given
// another chance.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node %s already started", n.identity)
	}

	records, err := n.store.FindRunnableCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("load runnable checkpoints: %w", err)
	}

	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	restored := make([]*runner, 0, len(records))
	for _, rec := range records {
		restored = append(restored, n.restoreRunner(rec))
	}

	ep, err := n.bus.Register(n.identity, n.onInbound)
	if err != nil {
		n.cancel()
		for _, rec := range records {
			n.router.unbindRun(rec.RunID)
		}
		return fmt.Errorf("attach %s to bus: %w", n.identity, err)
	}
	n.endpoint.Store(ep)
	n.running = true

	for _, r := range restored {
		n.launch(r)
	}
	n.logger.Info("node started", "restored", len(restored))
	return nil
}

// restoreRunner builds the runner of a checkpoint read at start-up.
func (n *Node) restoreRunner(rec store.CheckpointRecord) *runner {
	state := sm.StateMachineState{
		Checkpoint:               rec.Checkpoint,
		IsAnyCheckpointPersisted: true,
		SenderUUID:               n.senderUUID,
	}
	state.Checkpoint.ErrorState = sm.ErrorStateClean{}
	state.Checkpoint.Status = sm.StatusRunnable
	n.router.bindCheckpoint(rec.RunID, state.Checkpoint)

	handle := newFlowHandle(rec.RunID, rec.ClientID)
	if _, started := state.Checkpoint.FlowState.(sm.FlowStateStarted); started {
		handle.signalStarted()
	}
	if rec.ClientID != "" {
		n.clients[rec.ClientID] = handle
	}
	n.logger.Debug("restoring flow", "run_id", rec.RunID, "flow_state", sm.FlowStateKind(state.Checkpoint.FlowState))
	return newRunner(n, rec.RunID, state, handle)
}

// launch registers r and starts its goroutine. Callers hold n.mu.
func (n *Node) launch(r *runner) {
	n.runners[r.id] = r
	n.wg.Add(1)
	r.enqueue(sm.EventDoRemainingWork{})
	go r.run(n.ctx)
}

func (n *Node) runnerExited(r *runner) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runners[r.id] == r {
		delete(n.runners, r.id)
	}
	n.wg.Done()
}

// Stop removes every flow with a soft shutdown and detaches the node from
// the bus. Checkpoints stay in the store and are resumed by the next Start.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	for _, r := range n.runners {
		r.enqueue(sm.EventSoftShutdown{})
	}
	for id, p := range n.paused {
		p.handle.resolveRemoval(sm.RemovalSoftShutdown{})
		delete(n.paused, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
	n.cancel()
	if ep := n.endpoint.Swap(nil); ep != nil {
		ep.Close()
	}
	n.logger.Info("node stopped")
}

// StartFlow starts a flow of the registered class with args.
func (n *Node) StartFlow(ctx context.Context, class string, args []byte, opts StartOptions) (*FlowHandle, error) {
	reg, ok := n.registry.lookup(class)
	if !ok {
		return nil, newRuntimeError(ErrCodeUnknownFlowClass, "", "flow class %q is not registered", class)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil, newRuntimeError(ErrCodeNodeStopped, "", "node %s is not running", n.identity)
	}

	if opts.ClientID != "" {
		h, err := n.existingClientFlow(ctx, opts.ClientID)
		if err != nil || h != nil {
			return h, err
		}
	}

	runID := sm.RunID(n.ids.Generate())
	cp := sm.NewCheckpoint(
		sm.InvocationContext{Actor: opts.Actor, ClientID: opts.ClientID},
		n.identity,
		sm.FlowStartExplicit{},
		freezeLogic(class, args),
		reg.topLevel(n.cfg.FlowVersion, n.cfg.AppName),
	)
	state := sm.NewStateMachineState(cp, n.senderUUID, sm.DeduplicationHandler{
		ID:    "start:" + string(runID),
		Cause: sm.CauseFlowStart,
	})

	handle := newFlowHandle(runID, opts.ClientID)
	if opts.ClientID != "" {
		n.clients[opts.ClientID] = handle
	}
	n.launch(newRunner(n, runID, state, handle))
	n.logger.Info("flow started", "run_id", runID, "class", class, "client_id", opts.ClientID)
	return handle, nil
}

// existingClientFlow returns the handle of the flow already started for
// clientID, or nil if there is none. Callers hold n.mu.
func (n *Node) existingClientFlow(ctx context.Context, clientID string) (*FlowHandle, error) {
	if h, ok := n.clients[clientID]; ok {
		return h, nil
	}
	rec, err := n.store.FindCheckpointByClientID(ctx, clientID)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find flow of client %s: %w", clientID, err)
	}

	h := newFlowHandle(rec.RunID, clientID)
	switch rec.Status {
	case sm.StatusCompleted:
		h.resolve(rec.Checkpoint.Result, nil)
	case sm.StatusFailed:
		var flowErr error = sm.NewFlowException("flow failed")
		if es, ok := rec.Checkpoint.ErrorState.(sm.ErrorStateErrored); ok && len(es.Errors) > 0 {
			flowErr = es.Errors[0].Err
		}
		h.resolve(nil, flowErr)
	default:
		return nil, newRuntimeError(ErrCodeDuplicateClientID, string(rec.RunID),
			"client id %s belongs to a %s flow that is not running here", clientID, rec.Status)
	}
	n.clients[clientID] = h
	return h, nil
}

// Kill kills a running or paused flow. Its peers are told it was killed.
func (n *Node) Kill(runID sm.RunID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.runners[runID]; ok {
		r.enqueue(sm.EventKill{})
		return nil
	}
	p, ok := n.paused[runID]
	if !ok {
		return newRuntimeError(ErrCodeFlowNotFound, string(runID), "no running or paused flow")
	}
	if !n.running {
		return newRuntimeError(ErrCodeNodeStopped, string(runID), "node %s is not running", n.identity)
	}
	delete(n.paused, runID)

	// A paused flow has no runner. One is started just to process the kill,
	// which must come before anything could resume the flow.
	r := newRunner(n, runID, p.state, p.handle)
	r.enqueue(sm.EventKill{})
	n.runners[runID] = r
	n.wg.Add(1)
	go r.run(n.ctx)
	return nil
}

// Pause parks a running flow until RetryFlow.
func (n *Node) Pause(runID sm.RunID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.runners[runID]
	if !ok {
		return newRuntimeError(ErrCodeFlowNotFound, string(runID), "no running flow")
	}
	r.enqueue(sm.EventPause{})
	return nil
}

// RetryFlow resumes a paused flow, or retries a flow kept under overnight
// observation from its last checkpoint.
func (n *Node) RetryFlow(ctx context.Context, runID sm.RunID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return newRuntimeError(ErrCodeNodeStopped, string(runID), "node %s is not running", n.identity)
	}

	if p, ok := n.paused[runID]; ok {
		if err := n.markRunnable(ctx, runID); err != nil {
			return err
		}
		delete(n.paused, runID)
		state := p.state
		state.Checkpoint.Status = sm.StatusRunnable
		// Whatever the flow waited on may have finished while nobody
		// listened: the pending request is issued again.
		state.IsWaitingForFuture = false
		r := newRunner(n, runID, state, p.handle)
		n.redeliverUnacknowledged(r)
		n.launch(r)
		n.logger.Info("paused flow resumed", "run_id", runID)
		return nil
	}

	r, ok := n.runners[runID]
	if !ok {
		return newRuntimeError(ErrCodeFlowNotFound, string(runID), "no running or paused flow")
	}
	for _, patient := range n.hospital.Patients() {
		if patient == runID {
			r.enqueue(sm.EventRetryFlowFromSafePoint{})
			return nil
		}
	}
	return newRuntimeError(ErrCodeNotRetryable, string(runID), "flow is neither paused nor under observation")
}

func (n *Node) markRunnable(ctx context.Context, runID sm.RunID) error {
	tx, err := n.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.UpdateStatus(ctx, runID, sm.StatusRunnable); err != nil && !errors.Is(err, store.ErrCheckpointNotFound) {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// park records a flow moved to paused by its runner.
func (n *Node) park(runID sm.RunID, state sm.StateMachineState, handle *FlowHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state.IsFlowResumed = false
	n.paused[runID] = pausedFlow{state: state, handle: handle}
	n.logger.Info("flow paused", "run_id", runID)
}

// Paused lists the paused flows in run id order.
func (n *Node) Paused() []sm.RunID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]sm.RunID, 0, len(n.paused))
	for id := range n.paused {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Running lists the flows with a runner in run id order.
func (n *Node) Running() []sm.RunID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]sm.RunID, 0, len(n.runners))
	for id := range n.runners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Hospital returns the node's flow hospital.
func (n *Node) Hospital() *hospital.Hospital { return n.hospital }

// NotifyTransactionCommitted tells the flows waiting on txHash that it has
// committed. Flows that start waiting later are told immediately.
func (n *Node) NotifyTransactionCommitted(txHash string) {
	waiting := n.ledger.commit(txHash)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, w := range waiting {
		if r, ok := n.runners[w.runID]; ok {
			r.enqueueFor(w.epoch, sm.EventTransactionCommitted{TxHash: txHash})
		}
	}
}

func (n *Node) send(to sm.Party, msg sm.SessionMessage, dedupID sm.SenderDeduplicationID) error {
	ep := n.endpoint.Load()
	if ep == nil {
		return fmt.Errorf("send to %s: %w", to, transport.ErrClosed)
	}
	return ep.Send(to, msg, dedupID)
}

// acknowledge releases the inbound messages behind handlers. Local flow
// starts have no inbound message.
func (n *Node) acknowledge(handlers []sm.DeduplicationHandler) {
	ep := n.endpoint.Load()
	if ep == nil {
		return
	}
	keys := make([]string, 0, len(handlers))
	for _, h := range handlers {
		if h.Cause == sm.CauseFlowStart {
			continue
		}
		keys = append(keys, h.ID)
	}
	if len(keys) > 0 {
		ep.Acknowledge(keys...)
	}
}

func (n *Node) pendingInbound(key string) (transport.Inbound, bool) {
	ep := n.endpoint.Load()
	if ep == nil {
		return transport.Inbound{}, false
	}
	return ep.Pending(key)
}
