package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/flowsm/internal/codec"
	"github.com/roach88/flowsm/internal/queue"
	sm "github.com/roach88/flowsm/internal/statemachine"
)

var (
	// ErrUnknownParty is returned when sending to a party with no endpoint.
	ErrUnknownParty = errors.New("unknown party")

	// ErrAlreadyRegistered is returned when a party registers twice.
	ErrAlreadyRegistered = errors.New("party already registered")

	// ErrClosed is returned when sending through a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
)

// Inbound is a decoded message delivered to an endpoint.
type Inbound struct {
	Sender          sm.Party
	Message         sm.SessionMessage
	DeduplicationID sm.SenderDeduplicationID
}

// Key is the deduplication key of the message.
func (in Inbound) Key() string {
	return in.DeduplicationID.Key()
}

// Handler consumes inbound messages. It is called from the endpoint's
// delivery goroutine, one message at a time.
type Handler func(in Inbound)

type envelope struct {
	sender  sm.Party
	dedupID sm.SenderDeduplicationID
	payload []byte
}

// Bus routes messages between registered endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[sm.Party]*Endpoint
	codec     codec.Codec
	logger    *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithCodec sets the codec messages are encoded with. The default is
// codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(b *Bus) {
		b.codec = c
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		endpoints: make(map[sm.Party]*Endpoint),
		codec:     codec.JSON{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register attaches party to the bus. handler receives every message sent
// to party, in the order they were sent.
func (b *Bus) Register(party sm.Party, handler Handler) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.endpoints[party]; ok {
		return nil, fmt.Errorf("register %s: %w", party, ErrAlreadyRegistered)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		bus:     b,
		party:   party,
		handler: handler,
		inbox:   queue.New[envelope](),
		unacked: make(map[string]pending),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.endpoints[party] = e
	go e.run(ctx)
	return e, nil
}

// Parties lists the registered parties in name order.
func (b *Bus) Parties() []sm.Party {
	b.mu.RLock()
	defer b.mu.RUnlock()

	parties := make([]sm.Party, 0, len(b.endpoints))
	for p := range b.endpoints {
		parties = append(parties, p)
	}
	sort.Slice(parties, func(i, j int) bool { return parties[i] < parties[j] })
	return parties
}

func (b *Bus) lookup(party sm.Party) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.endpoints[party]
	return e, ok
}

func (b *Bus) unregister(e *Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoints[e.party] == e {
		delete(b.endpoints, e.party)
	}
}
