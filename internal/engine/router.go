package engine

import (
	"sync"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// router is the session binding table: which flow run owns which of this
// node's session ids.
type router struct {
	mu       sync.RWMutex
	bindings map[sm.SessionID]sm.RunID
}

func newRouter() *router {
	return &router{bindings: make(map[sm.SessionID]sm.RunID)}
}

func (r *router) bind(id sm.SessionID, runID sm.RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[id] = runID
}

func (r *router) unbind(ids ...sm.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.bindings, id)
	}
}

// unbindRun drops every binding of runID.
func (r *router) unbindRun(runID sm.RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, owner := range r.bindings {
		if owner == runID {
			delete(r.bindings, id)
		}
	}
}

func (r *router) lookup(id sm.SessionID) (sm.RunID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runID, ok := r.bindings[id]
	return runID, ok
}

func (r *router) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// bindCheckpoint binds every session of cp to runID. An unstarted
// responder also owns the session its initiator opened, which only enters
// the session map once the flow starts.
func (r *router) bindCheckpoint(runID sm.RunID, cp sm.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range cp.CheckpointState.Sessions {
		r.bindings[id] = runID
	}
	if unstarted, ok := cp.FlowState.(sm.FlowStateUnstarted); ok {
		if start, ok := unstarted.FlowStart.(sm.FlowStartInitiated); ok {
			r.bindings[start.InitiatedSessionID] = runID
		}
	}
}
