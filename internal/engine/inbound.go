package engine

import (
	"fmt"

	sm "github.com/roach88/flowsm/internal/statemachine"
	"github.com/roach88/flowsm/internal/transport"
)

// onInbound handles a message delivered by the transport. It runs on the
// endpoint's delivery goroutine.
func (n *Node) onInbound(in transport.Inbound) {
	key := in.Key()
	if n.isDuplicate(key) {
		n.logger.Debug("dropping duplicate message", "key", key, "sender", in.Sender)
		n.acknowledgeKey(key)
		return
	}
	switch msg := in.Message.(type) {
	case sm.InitialSessionMessage:
		n.onInitialMessage(in, msg)
	case sm.ExistingSessionMessage:
		n.onExistingMessage(in, msg)
	default:
		panic(fmt.Sprintf("engine: unhandled session message %T", msg))
	}
}

// isDuplicate checks the in-memory filter first and the deduplication
// facts of the store second. A message seen for the first time is added to
// the filter.
func (n *Node) isDuplicate(key string) bool {
	if _, seen := n.dedup.Get(key); seen {
		return true
	}
	has, err := n.store.HasDeduplicationFact(n.ctx, key)
	if err != nil {
		n.logger.Warn("deduplication lookup failed, accepting message", "key", key, "error", err)
	}
	if has {
		n.dedup.SetDefault(key, struct{}{})
		return true
	}
	n.dedup.SetDefault(key, struct{}{})
	return false
}

func (n *Node) acknowledgeKey(key string) {
	if ep := n.endpoint.Load(); ep != nil {
		ep.Acknowledge(key)
	}
}

// onInitialMessage starts the responder registered for the initiating flow,
// or rejects the session.
func (n *Node) onInitialMessage(in transport.Inbound, msg sm.InitialSessionMessage) {
	reg, ok := n.registry.responderFor(msg.InitiatorFlowClassName)
	if !ok {
		n.reject(in, msg, fmt.Sprintf("%s is not registered as an initiating flow on %s", msg.InitiatorFlowClassName, n.identity))
		return
	}

	initiatedID := sm.SessionID(n.random.Int63())
	if initiatedID == 0 {
		initiatedID = 1
	}
	runID := sm.RunID(n.ids.Generate())
	start := sm.FlowStartInitiated{
		PeerParty:          in.Sender,
		InitiatedSessionID: initiatedID,
		InitiatingMessage:  msg,
		InitiatedFlowInfo:  reg.flowInfo(n.cfg.FlowVersion, n.cfg.AppName),
	}
	cp := sm.NewCheckpoint(
		sm.InvocationContext{Actor: string(in.Sender)},
		n.identity,
		start,
		freezeLogic(reg.class, nil),
		reg.topLevel(n.cfg.FlowVersion, n.cfg.AppName),
	)
	state := sm.NewStateMachineState(cp, n.senderUUID, sm.DeduplicationHandler{ID: in.Key(), Cause: sm.CauseSessionInit})

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.router.bind(initiatedID, runID)
	n.launch(newRunner(n, runID, state, newFlowHandle(runID, "")))
	n.logger.Info("responder started", "run_id", runID, "class", reg.class, "initiator", in.Sender)
}

// reject refuses an initial message. The rejection is sent once; the
// initiating side does not retry.
func (n *Node) reject(in transport.Inbound, msg sm.InitialSessionMessage, reason string) {
	n.logger.Warn("rejecting session", "initiator", in.Sender, "class", msg.InitiatorFlowClassName)
	errorID := n.random.Int63()
	out := sm.ExistingSessionMessage{
		RecipientSessionID: msg.InitiatorSessionID,
		Payload:            sm.RejectSessionMessage{Message: reason, ErrorID: errorID},
	}
	dedupID := sm.SenderDeduplicationID{
		MessageID: sm.MessageIdentifier{
			Type:      sm.MessageTypeReject,
			SessionID: msg.InitiatorSessionID,
			ErrorID:   errorID,
			Timestamp: n.clock.Now(),
		},
		SenderUUID: n.senderUUID,
	}
	if err := n.send(in.Sender, out, dedupID); err != nil {
		n.logger.Warn("sending rejection failed", "initiator", in.Sender, "error", err)
	}
	n.acknowledgeKey(in.Key())
}

// onExistingMessage routes a message to the flow owning its session.
// Messages for paused flows stay unacknowledged until the flow resumes.
func (n *Node) onExistingMessage(in transport.Inbound, msg sm.ExistingSessionMessage) {
	runID, ok := n.router.lookup(msg.RecipientSessionID)
	if !ok {
		n.logger.Warn("message for unknown session",
			"session_id", msg.RecipientSessionID,
			"type", sm.PayloadType(msg.Payload),
			"sender", in.Sender,
		)
		n.acknowledgeKey(in.Key())
		return
	}

	n.mu.Lock()
	r, running := n.runners[runID]
	n.mu.Unlock()
	if !running {
		n.logger.Debug("holding message for flow without runner", "run_id", runID, "key", in.Key())
		return
	}
	r.enqueue(deliverEvent(in, msg))
}

func deliverEvent(in transport.Inbound, msg sm.ExistingSessionMessage) sm.EventDeliverSessionMessage {
	return sm.EventDeliverSessionMessage{
		Message:   msg,
		MessageID: in.DeduplicationID.MessageID,
		DeduplicationHandler: sm.DeduplicationHandler{
			ID:    in.Key(),
			Cause: sm.CauseSessionMessage,
		},
		Sender: in.Sender,
	}
}

// redeliverUnacknowledged queues for r the held messages addressed to its
// sessions, other than those already recorded in its state.
func (n *Node) redeliverUnacknowledged(r *runner) {
	ep := n.endpoint.Load()
	if ep == nil {
		return
	}
	known := make(map[string]bool, len(r.state.PendingDeduplicationHandlers))
	for _, h := range r.state.PendingDeduplicationHandlers {
		known[h.ID] = true
	}
	for _, in := range ep.Unacknowledged() {
		msg, ok := in.Message.(sm.ExistingSessionMessage)
		if !ok || known[in.Key()] {
			continue
		}
		if owner, ok := n.router.lookup(msg.RecipientSessionID); ok && owner == r.id {
			r.enqueue(deliverEvent(in, msg))
		}
	}
}
