package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/flowsm/internal/codec"
	sm "github.com/roach88/flowsm/internal/statemachine"
)

// FlowLogic is the body of a flow. It returns the flow's serialized result.
//
// Flow logic must be deterministic with respect to the values returned by
// the Fiber: a restored flow is re-run from the start and has its earlier
// Fiber calls answered from a journal.
type FlowLogic func(f *Fiber) ([]byte, error)

// Factory builds the logic of a flow from its start arguments.
type Factory func(args []byte) FlowLogic

// InitiatingOptions declare a flow able to open sessions. Version and AppName
// are advertised to peers; zero values take the node's configuration.
type InitiatingOptions struct {
	Initiating bool
	Version    int
	AppName    string
}

type registration struct {
	class   string
	factory Factory
	opts    InitiatingOptions
}

// Registry holds the flow classes, responders and async operations a node
// knows.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	flows      map[string]registration
	responders map[string]string
	operations map[string]sm.AsyncOperation
}

func NewRegistry() *Registry {
	return &Registry{
		flows:      make(map[string]registration),
		responders: make(map[string]string),
		operations: make(map[string]sm.AsyncOperation),
	}
}

// Register adds a flow class. Registering a class again replaces it.
func (r *Registry) Register(class string, factory Factory, opts InitiatingOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[class] = registration{class: class, factory: factory, opts: opts}
}

// RegisterResponder makes responderClass the flow started when a peer opens
// a session from initiatorClass.
func (r *Registry) RegisterResponder(initiatorClass, responderClass string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[initiatorClass] = responderClass
}

// RegisterOperation makes op resolvable by name when a checkpoint waiting
// on it is restored.
func (r *Registry) RegisterOperation(op sm.AsyncOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[op.Name()] = op
}

// Operation returns the async operation registered under name.
func (r *Registry) Operation(name string) (sm.AsyncOperation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operations[name]
	return op, ok
}

// Codec returns a checkpoint codec that resolves async operations through
// the registry.
func (r *Registry) Codec() codec.JSON {
	return codec.JSON{Operations: r.Operation}
}

// Classes lists the registered flow classes in name order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.flows))
	for c := range r.flows {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

func (r *Registry) lookup(class string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.flows[class]
	return reg, ok
}

func (r *Registry) responderFor(initiatorClass string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.responders[initiatorClass]
	if !ok {
		return registration{}, false
	}
	reg, ok := r.flows[class]
	return reg, ok
}

// flowInfo is what the flow advertises to peers.
func (reg registration) flowInfo(defaultVersion int, defaultApp string) sm.FlowInfo {
	info := sm.FlowInfo{FlowVersion: reg.opts.Version, AppName: reg.opts.AppName}
	if info.FlowVersion == 0 {
		info.FlowVersion = defaultVersion
	}
	if info.AppName == "" {
		info.AppName = defaultApp
	}
	return info
}

// topLevel is the first entry of the flow's sub-flow stack.
func (reg registration) topLevel(defaultVersion int, defaultApp string) sm.SubFlow {
	if !reg.opts.Initiating {
		return sm.SubFlowInlined{FlowClass: reg.class}
	}
	return sm.SubFlowInitiating{
		FlowClass:           reg.class,
		ClassToInitiateWith: reg.class,
		FlowInfo:            reg.flowInfo(defaultVersion, defaultApp),
	}
}

// frozenLogic is the persisted form of a flow's logic: the class to look
// up on restore and the arguments to build it with.
type frozenLogic struct {
	Class string `json:"class"`
	Args  []byte `json:"args,omitempty"`
}

func freezeLogic(class string, args []byte) []byte {
	data, err := json.Marshal(frozenLogic{Class: class, Args: args})
	if err != nil {
		panic(fmt.Sprintf("freeze flow logic: %v", err))
	}
	return data
}

// thaw rebuilds the logic of a flow from its frozen form.
func (r *Registry) thaw(data []byte) (FlowLogic, error) {
	var fl frozenLogic
	if err := json.Unmarshal(data, &fl); err != nil {
		return nil, fmt.Errorf("decode frozen flow logic: %w", err)
	}
	reg, ok := r.lookup(fl.Class)
	if !ok {
		return nil, newRuntimeError(ErrCodeUnknownFlowClass, "", "flow class %q is not registered", fl.Class)
	}
	return reg.factory(fl.Args), nil
}
