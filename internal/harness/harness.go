package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/testutil"
)

// Harness applies the steps of one scenario to a single flow.
//
// Every run uses a fresh SequenceRandom seeded from the scenario and a
// DeterministicClock standing at testutil.Epoch, so traces are identical
// across runs.
type Harness struct {
	scenario *Scenario
	machine  *sm.StateMachine
	random   *testutil.SequenceRandom
	clock    *testutil.DeterministicClock
	logger   *slog.Logger

	state sm.StateMachineState

	// aliases maps scenario session names to session ids and names back.
	aliases map[string]sm.SessionID
	names   map[sm.SessionID]string
	// peers records the counterparty of each known session.
	peers map[sm.SessionID]sm.Party
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger routes the state machine's debug output to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// Run executes a scenario and returns the result. An error is returned when
// the scenario cannot be applied at all, for example when a step names an
// unknown session alias; failed expectations are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := newHarness(scenario, opts...)
	result := NewResult()

	for i, step := range scenario.Steps {
		event, err := h.event(step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}

		tr := h.machine.Transition(sm.RunID(scenario.RunID), event, h.state, h.clock.Now())
		h.state = tr.NewState

		if step.Event == EventInitiateFlow && step.As != "" {
			resume, ok := tr.Continuation.(sm.ContinuationResume)
			if !ok {
				return nil, fmt.Errorf("steps[%d]: initiate_flow continued with %s, no session to bind to %q",
					i, sm.ContinuationKind(tr.Continuation), step.As)
			}
			id, ok := resume.Value.(sm.SessionID)
			if !ok {
				return nil, fmt.Errorf("steps[%d]: initiate_flow resumed with %T", i, resume.Value)
			}
			h.bind(step.As, id, sm.Party(step.Destination))
		}

		ev := h.traceEvent(i+1, event, tr)
		result.AddTrace(ev)

		if step.Expect != nil {
			for _, msg := range checkExpect(*step.Expect, ev, tr.NewState.Checkpoint) {
				result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, step.Event, msg))
			}
		}
	}

	for _, msg := range EvaluateAssertions(result.Trace, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, opts ...Option) *Harness {
	h := &Harness{
		scenario: scenario,
		random:   testutil.NewSequenceRandom(scenario.Seed),
		clock:    testutil.NewDeterministicClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		aliases:  make(map[string]sm.SessionID),
		names:    make(map[sm.SessionID]string),
		peers:    make(map[sm.SessionID]sm.Party),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.machine = sm.New(h.random, sm.WithLogger(h.logger))
	h.state = h.initialState()
	return h
}

func (h *Harness) flowInfo() sm.FlowInfo {
	return sm.FlowInfo{FlowVersion: h.scenario.FlowVersion, AppName: h.scenario.AppName}
}

// initialState builds the unstarted flow the way a node does when it
// starts a flow or accepts an initial message.
func (h *Harness) initialState() sm.StateMachineState {
	s := h.scenario
	invocation := sm.InvocationContext{Actor: "harness", ClientID: s.ClientID}
	identity := sm.Party(s.Identity)
	senderUUID := "harness-" + s.Identity

	if s.FlowStart.Kind == StartExplicit {
		top := sm.SubFlowInitiating{FlowClass: s.FlowClass, ClassToInitiateWith: s.FlowClass, FlowInfo: h.flowInfo()}
		cp := sm.NewCheckpoint(invocation, identity, sm.FlowStartExplicit{}, []byte(s.FlowClass), top)
		return sm.NewStateMachineState(cp, senderUUID,
			sm.DeduplicationHandler{ID: "start:" + s.RunID, Cause: sm.CauseFlowStart})
	}

	fs := s.FlowStart
	id := sm.SessionID(h.random.Int63())
	peer := sm.Party(fs.Peer)
	if fs.Session != "" {
		h.bind(fs.Session, id, peer)
	} else {
		h.peers[id] = peer
	}
	var firstPayload []byte
	if fs.FirstPayload != "" {
		firstPayload = []byte(fs.FirstPayload)
	}
	start := sm.FlowStartInitiated{
		PeerParty:          peer,
		InitiatedSessionID: id,
		InitiatingMessage: sm.InitialSessionMessage{
			InitiatorSessionID:     sm.SessionID(fs.PeerSession),
			InitiatorFlowClassName: fs.InitiatorClass,
			FlowVersion:            1,
			AppName:                s.AppName,
			FirstPayload:           firstPayload,
		},
		InitiatedFlowInfo: h.flowInfo(),
	}
	cp := sm.NewCheckpoint(invocation, identity, start, []byte(s.FlowClass), sm.SubFlowInlined{FlowClass: s.FlowClass})
	return sm.NewStateMachineState(cp, senderUUID,
		sm.DeduplicationHandler{ID: fmt.Sprintf("init:%s:%d", fs.Peer, fs.PeerSession), Cause: sm.CauseSessionInit})
}

func (h *Harness) bind(alias string, id sm.SessionID, peer sm.Party) {
	h.aliases[alias] = id
	h.names[id] = alias
	h.peers[id] = peer
}

func (h *Harness) lookup(alias string) (sm.SessionID, error) {
	id, ok := h.aliases[alias]
	if !ok {
		return 0, fmt.Errorf("unknown session alias %q", alias)
	}
	return id, nil
}

func (h *Harness) name(id sm.SessionID) string {
	if alias, ok := h.names[id]; ok {
		return alias
	}
	return strconv.FormatInt(int64(id), 10)
}

// event converts a step into a state machine event.
func (h *Harness) event(st Step) (sm.Event, error) {
	switch st.Event {
	case EventDoRemainingWork:
		return sm.EventDoRemainingWork{}, nil
	case EventInitiateFlow:
		return sm.EventInitiateFlow{Destination: sm.Party(st.Destination)}, nil
	case EventSuspend:
		req, err := h.request(st)
		if err != nil {
			return nil, err
		}
		return sm.EventSuspend{
			IORequest:         req,
			MaySkipCheckpoint: st.MaySkipCheckpoint,
			Fiber:             []byte("fiber"),
			ProgressStep:      st.Progress,
		}, nil
	case EventDeliver:
		return h.delivery(st)
	case EventFlowFinish:
		return sm.EventFlowFinish{Result: optionalBytes(st.Result), SoftLocksID: h.scenario.RunID}, nil
	case EventError:
		return sm.EventError{Err: stepError(st)}, nil
	case EventTransactionCommitted:
		return sm.EventTransactionCommitted{TxHash: st.TxHash}, nil
	case EventAsyncCompletion:
		return sm.EventAsyncOperationCompletion{Result: optionalBytes(st.Result)}, nil
	case EventAsyncThrows:
		return sm.EventAsyncOperationThrows{Err: stepError(st)}, nil
	case EventStartErrorPropagation:
		return sm.EventStartErrorPropagation{}, nil
	case EventRetry:
		return sm.EventRetryFlowFromSafePoint{}, nil
	case EventOvernightObservation:
		return sm.EventOvernightObservation{}, nil
	case EventWakeUp:
		return sm.EventWakeUpFromSleep{}, nil
	case EventSoftShutdown:
		return sm.EventSoftShutdown{}, nil
	case EventPause:
		return sm.EventPause{}, nil
	case EventKill:
		if st.Error == "" {
			return sm.EventKill{}, nil
		}
		return sm.EventKill{Reason: stepError(st)}, nil
	case EventEnterSubFlow:
		if st.Initiating {
			return sm.EventEnterSubFlow{SubFlow: sm.SubFlowInitiating{
				FlowClass:           st.SubFlow,
				ClassToInitiateWith: st.SubFlow,
				FlowInfo:            h.flowInfo(),
			}}, nil
		}
		return sm.EventEnterSubFlow{SubFlow: sm.SubFlowInlined{FlowClass: st.SubFlow}}, nil
	case EventLeaveSubFlow:
		return sm.EventLeaveSubFlow{}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", st.Event)
	}
}

func (h *Harness) request(st Step) (sm.FlowIORequest, error) {
	switch st.Request {
	case RequestSend:
		msgs, err := h.payloads(st.Payloads)
		if err != nil {
			return nil, err
		}
		return sm.IORequestSend{Messages: msgs}, nil
	case RequestSendAndReceive:
		msgs, err := h.payloads(st.Payloads)
		if err != nil {
			return nil, err
		}
		return sm.IORequestSendAndReceive{Messages: msgs}, nil
	case RequestReceive:
		ids, err := h.sessionIDs(st.Sessions)
		if err != nil {
			return nil, err
		}
		return sm.IORequestReceive{Sessions: ids}, nil
	case RequestClose:
		ids, err := h.sessionIDs(st.Sessions)
		if err != nil {
			return nil, err
		}
		return sm.IORequestCloseSessions{Sessions: ids}, nil
	case RequestGetFlowInfo:
		ids, err := h.sessionIDs(st.Sessions)
		if err != nil {
			return nil, err
		}
		return sm.IORequestGetFlowInfo{Sessions: ids}, nil
	case RequestWaitForLedgerCommit:
		return sm.IORequestWaitForLedgerCommit{TxHash: st.TxHash}, nil
	case RequestSleep:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return nil, fmt.Errorf("sleep duration: %w", err)
		}
		return sm.IORequestSleep{WakeUpAfter: h.clock.Now().Add(d)}, nil
	case RequestWaitForConfirmations:
		return sm.IORequestWaitForSessionConfirmations{}, nil
	case RequestExecuteAsync:
		name := st.Operation
		if name == "" {
			name = "noop"
		}
		return sm.IORequestExecuteAsyncOperation{Operation: scenarioOperation{name: name}}, nil
	case RequestForceCheckpoint:
		return sm.IORequestForceCheckpoint{}, nil
	default:
		return nil, fmt.Errorf("unknown request %q", st.Request)
	}
}

func (h *Harness) payloads(byAlias map[string]string) (map[sm.SessionID][]byte, error) {
	msgs := make(map[sm.SessionID][]byte, len(byAlias))
	for alias, payload := range byAlias {
		id, err := h.lookup(alias)
		if err != nil {
			return nil, err
		}
		msgs[id] = []byte(payload)
	}
	return msgs, nil
}

func (h *Harness) sessionIDs(aliases []string) ([]sm.SessionID, error) {
	ids := make([]sm.SessionID, len(aliases))
	for i, alias := range aliases {
		id, err := h.lookup(alias)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// delivery builds the inbound message a peer would send on the session.
func (h *Harness) delivery(st Step) (sm.Event, error) {
	id, err := h.lookup(st.Session)
	if err != nil {
		return nil, err
	}
	sender := sm.Party(st.From)
	if sender == "" {
		sender = h.peers[id]
	}
	if sender == "" {
		return nil, fmt.Errorf("no known peer for session %q, set from", st.Session)
	}

	mid := sm.MessageIdentifier{
		SessionID:      sm.SessionID(st.PeerSession),
		SequenceNumber: st.Seq,
		Timestamp:      h.clock.Now(),
	}
	var payload sm.ExistingSessionPayload
	switch st.Message {
	case MessageConfirm:
		payload = sm.ConfirmSessionMessage{
			InitiatedSessionID: sm.SessionID(st.PeerSession),
			InitiatedFlowInfo:  sm.FlowInfo{FlowVersion: 1, AppName: h.scenario.AppName},
		}
		mid.Type = sm.MessageTypeConfirm
		mid.SequenceNumber = 0
	case MessageData:
		payload = sm.DataSessionMessage{Payload: []byte(st.Payload)}
		mid.Type = sm.MessageTypeData
	case MessageError:
		var fe *sm.FlowException
		if st.FlowException {
			fe = &sm.FlowException{Message: st.Error}
		}
		payload = sm.ErrorSessionMessage{FlowException: fe, ErrorID: st.ErrorID}
		mid = sm.MessageIdentifier{Type: sm.MessageTypeError, SessionID: id, ErrorID: st.ErrorID, Timestamp: h.clock.Now()}
	case MessageReject:
		payload = sm.RejectSessionMessage{Message: st.Error, ErrorID: st.ErrorID}
		mid.Type = sm.MessageTypeReject
	case MessageEnd:
		payload = sm.EndSessionMessage{}
		mid.Type = sm.MessageTypeEnd
	default:
		return nil, fmt.Errorf("unknown message %q", st.Message)
	}

	return sm.EventDeliverSessionMessage{
		Message:              sm.ExistingSessionMessage{RecipientSessionID: id, Payload: payload},
		MessageID:            mid,
		DeduplicationHandler: sm.DeduplicationHandler{ID: string(sender) + "/" + mid.Key(), Cause: sm.CauseSessionMessage},
		Sender:               sender,
	}, nil
}

func stepError(st Step) error {
	if st.FlowException {
		return sm.NewFlowException("%s", st.Error)
	}
	return errors.New(st.Error)
}

func optionalBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// scenarioOperation stands in for an async operation. The harness never
// executes actions, so Execute is never called by a scenario run.
type scenarioOperation struct {
	name string
}

func (o scenarioOperation) Name() string { return o.name }

func (o scenarioOperation) Execute(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("operation %s is not executed by the harness", o.name)
}

// traceEvent summarizes a transition.
func (h *Harness) traceEvent(seq int, event sm.Event, tr sm.TransitionResult) TraceEvent {
	cp := tr.NewState.Checkpoint
	ev := TraceEvent{
		Seq:          seq,
		Event:        sm.EventKind(event),
		Continuation: sm.ContinuationKind(tr.Continuation),
		Actions:      sm.ActionKinds(tr.Actions),
		Sent:         sentMessages(tr.Actions),
		Removal:      removalKind(tr.Actions),
		FlowState:    sm.FlowStateKind(cp.FlowState),
		Status:       string(cp.Status),
		ErrorState:   errorStateKind(cp.ErrorState),
	}
	switch c := tr.Continuation.(type) {
	case sm.ContinuationResume:
		ev.Resumed = h.render(c.Value)
	case sm.ContinuationThrow:
		ev.Throws = c.Err.Error()
	}
	if sessions := cp.CheckpointState.Sessions; len(sessions) > 0 {
		ev.Sessions = make(map[string]string, len(sessions))
		for id, s := range sessions {
			ev.Sessions[h.name(id)] = sm.SessionKind(s)
		}
	}
	return ev
}

// render prints a resume value with session ids replaced by their aliases.
func (h *Harness) render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case sm.SessionID:
		return h.name(val)
	case string:
		return val
	case []byte:
		return string(val)
	case map[sm.SessionID][]byte:
		ids := slices.Sorted(maps.Keys(val))
		if len(ids) == 1 {
			return string(val[ids[0]])
		}
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = h.name(id) + "=" + string(val[id])
		}
		return strings.Join(parts, ",")
	case map[sm.SessionID]sm.FlowInfo:
		ids := slices.Sorted(maps.Keys(val))
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%s=%s/v%d", h.name(id), val[id].AppName, val[id].FlowVersion)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

// sentMessages lists the outbound messages of actions as "<type> to <party>".
func sentMessages(actions []sm.Action) []string {
	var sent []string
	addInitial := func(a sm.ActionSendInitial) {
		sent = append(sent, fmt.Sprintf("%s to %s", sm.MessageTypeInitial, a.Destination))
	}
	addExisting := func(a sm.ActionSendExisting) {
		sent = append(sent, fmt.Sprintf("%s to %s", sm.PayloadType(a.Message.Payload), a.PeerParty))
	}
	for _, action := range actions {
		switch a := action.(type) {
		case sm.ActionSendInitial:
			addInitial(a)
		case sm.ActionSendExisting:
			addExisting(a)
		case sm.ActionSendMultiple:
			for _, i := range a.SendInitial {
				addInitial(i)
			}
			for _, e := range a.SendExisting {
				addExisting(e)
			}
		case sm.ActionPropagateErrors:
			for range a.ErrorMessages {
				for _, s := range a.Sessions {
					sent = append(sent, fmt.Sprintf("%s to %s", sm.MessageTypeError, s.PeerParty))
				}
			}
		}
	}
	return sent
}

func removalKind(actions []sm.Action) string {
	for _, action := range actions {
		remove, ok := action.(sm.ActionRemoveFlow)
		if !ok {
			continue
		}
		switch remove.Reason.(type) {
		case sm.RemovalOrderlyFinish:
			return "OrderlyFinish"
		case sm.RemovalErrorFinish:
			return "ErrorFinish"
		case sm.RemovalKilled:
			return "Killed"
		case sm.RemovalSoftShutdown:
			return "SoftShutdown"
		default:
			panic(fmt.Sprintf("harness: unexpected removal reason %T", remove.Reason))
		}
	}
	return ""
}

func errorStateKind(es sm.ErrorState) string {
	switch es.(type) {
	case sm.ErrorStateClean:
		return "Clean"
	case sm.ErrorStateErrored:
		return "Errored"
	default:
		panic(fmt.Sprintf("harness: unexpected error state %T", es))
	}
}

func errorCount(es sm.ErrorState) int {
	if errored, ok := es.(sm.ErrorStateErrored); ok {
		return len(errored.Errors)
	}
	return 0
}
