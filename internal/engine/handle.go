package engine

import (
	"context"
	"fmt"
	"sync"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// FlowHandle tracks a flow started on a node.
type FlowHandle struct {
	RunID    sm.RunID
	ClientID string

	startOnce sync.Once
	started   chan struct{}

	doneOnce sync.Once
	done     chan struct{}
	result   []byte
	err      error
}

func newFlowHandle(runID sm.RunID, clientID string) *FlowHandle {
	return &FlowHandle{
		RunID:    runID,
		ClientID: clientID,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Started is closed once the flow's user code has been handed control for
// the first time.
func (h *FlowHandle) Started() <-chan struct{} { return h.started }

// Done is closed once the flow has finished, failed or been removed.
func (h *FlowHandle) Done() <-chan struct{} { return h.done }

// Result waits for the flow to end and returns its result. A flow removed
// by a node shutdown reports an error for which IsFlowShutdown holds.
func (h *FlowHandle) Result(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *FlowHandle) signalStarted() {
	h.startOnce.Do(func() { close(h.started) })
}

// resolve records the outcome. Only the first outcome counts.
func (h *FlowHandle) resolve(result []byte, err error) {
	h.doneOnce.Do(func() {
		h.result = result
		h.err = err
		h.signalStarted()
		close(h.done)
	})
}

// resolveRemoval maps a removal reason to the handle's outcome.
func (h *FlowHandle) resolveRemoval(reason sm.FlowRemovalReason) {
	switch r := reason.(type) {
	case sm.RemovalOrderlyFinish:
		h.resolve(r.Result, nil)
	case sm.RemovalErrorFinish:
		var err error
		if len(r.Errors) > 0 {
			err = r.Errors[0].Err
		}
		h.resolve(nil, err)
	case sm.RemovalKilled:
		h.resolve(nil, r.Error.Err)
	case sm.RemovalSoftShutdown:
		h.resolve(nil, newRuntimeError(ErrCodeFlowShutdown, string(h.RunID), "flow removed by node shutdown"))
	default:
		panic(fmt.Sprintf("engine: unhandled removal reason %T", reason))
	}
}
