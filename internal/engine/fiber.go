package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/flowsm/internal/codec"
	sm "github.com/roach88/flowsm/internal/statemachine"
)

// Journal ops of fiber calls that are not suspensions. Suspensions are
// journaled under sm.IORequestKind of their request.
const (
	opInitiateFlow = "InitiateFlow"
	opEnterSubFlow = "EnterSubFlow"
	opLeaveSubFlow = "LeaveSubFlow"
)

// FlowSession is one end of a session opened by or for a flow.
type FlowSession struct {
	ID           sm.SessionID `json:"id"`
	Counterparty sm.Party     `json:"counterparty"`
}

// journalEntry is the answer the runtime gave to one fiber call.
type journalEntry struct {
	Op    string             `json:"op"`
	Value json.RawMessage    `json:"value,omitempty"`
	Err   *codec.ErrorRecord `json:"err,omitempty"`
}

// frozenFiber is the persisted resume point of a started flow. The flow
// logic is re-run from the start and every call recorded in Journal is
// answered from it, which brings the logic back to the call it was
// suspended on.
type frozenFiber struct {
	Logic      json.RawMessage `json:"logic"`
	Initiating *FlowSession    `json:"initiating,omitempty"`
	Journal    []journalEntry  `json:"journal"`
}

// fiberYield is what the fiber hands the runner: an event to process, or
// the op of the call a restored fiber stopped at.
type fiberYield struct {
	event  sm.Event
	parked string
}

// fiberReply is a continuation handed to the fiber.
type fiberReply struct {
	value any
	err   error
}

// fiberAborted unwinds flow logic when the runner discards the fiber.
type fiberAborted struct{}

// Fiber runs flow logic on its own goroutine, in lock-step with the flow's
// runner. Every Fiber method is a request to the runtime: it blocks until
// the runner answers it, so at most one of the fiber and the runner is
// active at a time.
//
// Fiber methods must only be called from the flow logic they were handed to.
type Fiber struct {
	runID       sm.RunID
	ourIdentity sm.Party
	clock       Clock

	logic      FlowLogic
	frozen     json.RawMessage
	initiating *FlowSession

	journal   []journalEntry
	replayPos int
	restoring bool
	progress  string

	out     chan fiberYield
	in      chan fiberReply
	abort   chan struct{}
	exited  chan struct{}
	started bool
	aborted bool
}

func newFiber(runID sm.RunID, ourIdentity sm.Party, clock Clock, logic FlowLogic, frozenLogic []byte, initiating *FlowSession) *Fiber {
	return &Fiber{
		runID:       runID,
		ourIdentity: ourIdentity,
		clock:       clock,
		logic:       logic,
		frozen:      frozenLogic,
		initiating:  initiating,
		out:         make(chan fiberYield),
		in:          make(chan fiberReply),
		abort:       make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// restoreFiber rebuilds the fiber of a started flow from its frozen form.
func restoreFiber(runID sm.RunID, ourIdentity sm.Party, clock Clock, reg *Registry, data []byte) (*Fiber, error) {
	var ff frozenFiber
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("decode frozen fiber: %w", err)
	}
	logic, err := reg.thaw(ff.Logic)
	if err != nil {
		return nil, err
	}
	f := newFiber(runID, ourIdentity, clock, logic, ff.Logic, ff.Initiating)
	f.journal = ff.Journal
	f.restoring = true
	return f, nil
}

// freeze serializes the fiber as of its current call.
func (f *Fiber) freeze() []byte {
	data, err := json.Marshal(frozenFiber{Logic: f.frozen, Initiating: f.initiating, Journal: f.journal})
	if err != nil {
		panic(fmt.Sprintf("freeze fiber: %v", err))
	}
	return data
}

// RunID returns the id of the flow run.
func (f *Fiber) RunID() sm.RunID { return f.runID }

// OurIdentity returns the party the flow runs as.
func (f *Fiber) OurIdentity() sm.Party { return f.ourIdentity }

// InitiatingSession returns the session a peer opened to start this flow.
// It is false for flows started locally.
func (f *Fiber) InitiatingSession() (FlowSession, bool) {
	if f.initiating == nil {
		return FlowSession{}, false
	}
	return *f.initiating, true
}

// SetProgress sets the progress step recorded with the next checkpoint.
func (f *Fiber) SetProgress(step string) {
	f.progress = step
}

// InitiateFlow opens a session to party. Nothing is sent until the session
// is first used.
func (f *Fiber) InitiateFlow(party sm.Party) (FlowSession, error) {
	raw, err := f.call(opInitiateFlow, func() sm.Event { return sm.EventInitiateFlow{Destination: party} })
	if err != nil {
		return FlowSession{}, err
	}
	var id sm.SessionID
	if err := json.Unmarshal(raw, &id); err != nil {
		return FlowSession{}, fmt.Errorf("decode session id: %w", err)
	}
	return FlowSession{ID: id, Counterparty: party}, nil
}

// Send sends payload on the session and checkpoints the flow.
func (f *Fiber) Send(s FlowSession, payload []byte) error {
	_, err := f.suspend(sm.IORequestSend{Messages: map[sm.SessionID][]byte{s.ID: payload}}, false)
	return err
}

// SendWithoutCheckpoint sends payload without writing a checkpoint. A retry
// from the previous checkpoint sends the payload again.
func (f *Fiber) SendWithoutCheckpoint(s FlowSession, payload []byte) error {
	_, err := f.suspend(sm.IORequestSend{Messages: map[sm.SessionID][]byte{s.ID: payload}}, true)
	return err
}

// Receive waits for the next payload on the session.
func (f *Fiber) Receive(s FlowSession) ([]byte, error) {
	received, err := f.ReceiveAll(s)
	if err != nil {
		return nil, err
	}
	return received[s.ID], nil
}

// ReceiveAll waits until every session has its next payload.
func (f *Fiber) ReceiveAll(sessions ...FlowSession) (map[sm.SessionID][]byte, error) {
	ids := make([]sm.SessionID, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	raw, err := f.suspend(sm.IORequestReceive{Sessions: ids}, false)
	if err != nil {
		return nil, err
	}
	return decodeReceived(raw)
}

// SendAndReceive sends payload and waits for the reply on the same session.
func (f *Fiber) SendAndReceive(s FlowSession, payload []byte) ([]byte, error) {
	raw, err := f.suspend(sm.IORequestSendAndReceive{Messages: map[sm.SessionID][]byte{s.ID: payload}}, false)
	if err != nil {
		return nil, err
	}
	received, err := decodeReceived(raw)
	if err != nil {
		return nil, err
	}
	return received[s.ID], nil
}

func decodeReceived(raw json.RawMessage) (map[sm.SessionID][]byte, error) {
	var received map[sm.SessionID][]byte
	if err := json.Unmarshal(raw, &received); err != nil {
		return nil, fmt.Errorf("decode received payloads: %w", err)
	}
	return received, nil
}

// Close ends the sessions.
func (f *Fiber) Close(sessions ...FlowSession) error {
	ids := make([]sm.SessionID, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	_, err := f.suspend(sm.IORequestCloseSessions{Sessions: ids}, false)
	return err
}

// GetFlowInfo returns the version metadata of the flow at the other end of
// the session.
func (f *Fiber) GetFlowInfo(s FlowSession) (sm.FlowInfo, error) {
	raw, err := f.suspend(sm.IORequestGetFlowInfo{Sessions: []sm.SessionID{s.ID}}, false)
	if err != nil {
		return sm.FlowInfo{}, err
	}
	var infos map[sm.SessionID]sm.FlowInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return sm.FlowInfo{}, fmt.Errorf("decode flow info: %w", err)
	}
	return infos[s.ID], nil
}

// WaitForSessionConfirmations waits until every session opened by the flow
// is confirmed or rejected.
func (f *Fiber) WaitForSessionConfirmations() error {
	_, err := f.suspend(sm.IORequestWaitForSessionConfirmations{}, false)
	return err
}

// Sleep suspends the flow for at least d.
func (f *Fiber) Sleep(d time.Duration) error {
	_, err := f.suspendWith(sm.IORequestSleep{}, false, func() sm.FlowIORequest {
		return sm.IORequestSleep{WakeUpAfter: f.clock.Now().Add(d)}
	})
	return err
}

// ExecuteAsync runs op outside the flow and returns its result. The
// operation must be registered so a restored flow can run it again.
func (f *Fiber) ExecuteAsync(op sm.AsyncOperation) ([]byte, error) {
	raw, err := f.suspend(sm.IORequestExecuteAsyncOperation{Operation: op}, false)
	if err != nil {
		return nil, err
	}
	var result []byte
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode async result: %w", err)
	}
	return result, nil
}

// WaitForLedgerCommit waits until the transaction is committed.
func (f *Fiber) WaitForLedgerCommit(txHash string) error {
	_, err := f.suspend(sm.IORequestWaitForLedgerCommit{TxHash: txHash}, false)
	return err
}

// Checkpoint writes a checkpoint and continues.
func (f *Fiber) Checkpoint() error {
	_, err := f.suspend(sm.IORequestForceCheckpoint{}, false)
	return err
}

// SubFlow runs body as the sub-flow sf. Sessions initiated inside body
// name the closest initiating sub-flow on the stack.
func (f *Fiber) SubFlow(sf sm.SubFlow, body func() error) error {
	if _, err := f.call(opEnterSubFlow, func() sm.Event { return sm.EventEnterSubFlow{SubFlow: sf} }); err != nil {
		return err
	}
	err := body()
	if _, lerr := f.call(opLeaveSubFlow, func() sm.Event { return sm.EventLeaveSubFlow{} }); lerr != nil {
		return lerr
	}
	return err
}

func (f *Fiber) suspend(req sm.FlowIORequest, maySkipCheckpoint bool) (json.RawMessage, error) {
	return f.suspendWith(req, maySkipCheckpoint, func() sm.FlowIORequest { return req })
}

// suspendWith builds the request lazily so replayed calls never read the
// clock.
func (f *Fiber) suspendWith(kind sm.FlowIORequest, maySkipCheckpoint bool, req func() sm.FlowIORequest) (json.RawMessage, error) {
	return f.call(sm.IORequestKind(kind), func() sm.Event {
		return sm.EventSuspend{
			IORequest:         req(),
			MaySkipCheckpoint: maySkipCheckpoint,
			Fiber:             f.freeze(),
			ProgressStep:      f.progress,
		}
	})
}

// call answers a request from the journal while replaying, and from the
// runner otherwise.
func (f *Fiber) call(op string, event func() sm.Event) (json.RawMessage, error) {
	if f.replayPos < len(f.journal) {
		entry := f.journal[f.replayPos]
		f.replayPos++
		if entry.Op != op {
			f.diverge(newRuntimeError(ErrCodeReplayDiverged, string(f.runID),
				"call %d is %s, journal recorded %s", f.replayPos, op, entry.Op))
		}
		return entry.Value, codec.DecodeError(entry.Err)
	}

	if f.restoring {
		f.restoring = false
		f.yield(fiberYield{parked: op})
	} else {
		f.yield(fiberYield{event: event()})
	}
	reply := f.await()

	entry := journalEntry{Op: op, Err: codec.EncodeError(reply.err)}
	if reply.err == nil {
		raw, err := json.Marshal(reply.value)
		if err != nil {
			panic(fmt.Sprintf("journal %s result: %v", op, err))
		}
		entry.Value = raw
	}
	f.journal = append(f.journal, entry)
	f.replayPos = len(f.journal)
	return entry.Value, reply.err
}

// diverge reports that replayed flow logic left its journal and stops the
// logic. The fiber is discarded by the runner.
func (f *Fiber) diverge(err error) {
	f.yield(fiberYield{event: sm.EventError{Err: err}})
	panic(fiberAborted{})
}

func (f *Fiber) yield(y fiberYield) {
	select {
	case f.out <- y:
	case <-f.abort:
		panic(fiberAborted{})
	}
}

func (f *Fiber) await() fiberReply {
	select {
	case r := <-f.in:
		return r
	case <-f.abort:
		panic(fiberAborted{})
	}
}

// start launches the flow logic. It returns immediately.
func (f *Fiber) start() {
	if f.started {
		return
	}
	f.started = true
	go f.run()
}

func (f *Fiber) run() {
	defer close(f.exited)

	var final sm.Event
	aborted := false
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if _, ok := r.(fiberAborted); ok {
				aborted = true
				return
			}
			final = sm.EventError{Err: fmt.Errorf("flow logic panicked: %v", r)}
		}()
		result, err := f.logic(f)
		switch {
		case f.restoring || f.replayPos < len(f.journal):
			final = sm.EventError{Err: newRuntimeError(ErrCodeReplayDiverged, string(f.runID),
				"flow logic returned after %d of %d journaled calls", f.replayPos, len(f.journal))}
		case err != nil:
			final = sm.EventError{Err: err}
		default:
			final = sm.EventFlowFinish{Result: result, SoftLocksID: string(f.runID)}
		}
	}()
	if aborted {
		return
	}
	select {
	case f.out <- fiberYield{event: final}:
	case <-f.abort:
	}
}

// next waits for the fiber's next yield. It is false once the fiber has
// exited.
func (f *Fiber) next() (fiberYield, bool) {
	select {
	case y := <-f.out:
		return y, true
	case <-f.exited:
		return fiberYield{}, false
	}
}

// deliver hands a continuation to the fiber and waits for its next yield.
func (f *Fiber) deliver(r fiberReply) (fiberYield, bool) {
	select {
	case f.in <- r:
	case <-f.exited:
		return fiberYield{}, false
	}
	return f.next()
}

// stop unwinds the flow logic and waits for the goroutine to exit.
func (f *Fiber) stop() {
	if f.aborted {
		return
	}
	f.aborted = true
	close(f.abort)
	if f.started {
		<-f.exited
	}
}

// compatibleOps reports whether a fiber parked on call op may resume the
// pending request of the checkpoint. A send-and-receive whose sends are
// done is pending as a plain receive.
func compatibleOps(parked string, pending sm.FlowIORequest) bool {
	kind := sm.IORequestKind(pending)
	if parked == kind {
		return true
	}
	return parked == sm.IORequestKind(sm.IORequestSendAndReceive{}) && kind == sm.IORequestKind(sm.IORequestReceive{})
}

