package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/flowsm/internal/queue"
	sm "github.com/roach88/flowsm/internal/statemachine"
)

type pending struct {
	seq int64
	in  Inbound
}

// Endpoint is one party's attachment to a Bus.
type Endpoint struct {
	bus     *Bus
	party   sm.Party
	handler Handler
	inbox   *queue.Queue[envelope]

	mu      sync.Mutex
	unacked map[string]pending
	seq     int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Party returns the identity this endpoint receives for.
func (e *Endpoint) Party() sm.Party {
	return e.party
}

// Send encodes msg and queues it for delivery to the endpoint of to.
func (e *Endpoint) Send(to sm.Party, msg sm.SessionMessage, dedupID sm.SenderDeduplicationID) error {
	dest, ok := e.bus.lookup(to)
	if !ok {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownParty)
	}
	payload, err := e.bus.codec.EncodeSessionMessage(msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	if !dest.inbox.Enqueue(envelope{sender: e.party, dedupID: dedupID, payload: payload}) {
		return fmt.Errorf("send to %s: %w", to, ErrClosed)
	}
	return nil
}

// Acknowledge releases the inbound messages with the given deduplication
// keys. Unknown keys are ignored.
func (e *Endpoint) Acknowledge(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		delete(e.unacked, k)
	}
}

// Unacknowledged returns the inbound messages not yet acknowledged, in
// arrival order.
func (e *Endpoint) Unacknowledged() []Inbound {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := make([]pending, 0, len(e.unacked))
	for _, p := range e.unacked {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	out := make([]Inbound, len(list))
	for i, p := range list {
		out[i] = p.in
	}
	return out
}

// Pending returns the unacknowledged inbound message with the given key.
func (e *Endpoint) Pending(key string) (Inbound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.unacked[key]
	return p.in, ok
}

// Close detaches the endpoint from the bus and stops delivery. Messages
// still queued are dropped.
func (e *Endpoint) Close() {
	e.bus.unregister(e)
	e.inbox.Close()
	e.cancel()
	<-e.done
}

func (e *Endpoint) run(ctx context.Context) {
	defer close(e.done)
	for {
		env, err := e.inbox.Next(ctx)
		if err != nil {
			return
		}
		msg, err := e.bus.codec.DecodeSessionMessage(env.payload)
		if err != nil {
			e.bus.logger.Error("dropping undecodable message",
				"party", e.party,
				"sender", env.sender,
				"error", err,
			)
			continue
		}
		in := Inbound{Sender: env.sender, Message: msg, DeduplicationID: env.dedupID}

		e.mu.Lock()
		e.seq++
		e.unacked[in.Key()] = pending{seq: e.seq, in: in}
		e.mu.Unlock()

		e.handler(in)
	}
}
