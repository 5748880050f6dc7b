package engine

import (
	"sort"
	"sync"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// ledger tracks committed transaction hashes and the flows waiting on them.
// A waiting flow is recorded with the incarnation of its runner that asked,
// so a flow retried in between is not told twice.
type ledger struct {
	mu        sync.Mutex
	committed map[string]bool
	waiting   map[string]map[sm.RunID]uint64
}

type ledgerWaiter struct {
	runID sm.RunID
	epoch uint64
}

func newLedger() *ledger {
	return &ledger{
		committed: make(map[string]bool),
		waiting:   make(map[string]map[sm.RunID]uint64),
	}
}

// track registers runID as waiting on txHash. It returns true when the
// transaction has already committed, in which case nothing is recorded.
func (l *ledger) track(txHash string, runID sm.RunID, epoch uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.committed[txHash] {
		return true
	}
	if l.waiting[txHash] == nil {
		l.waiting[txHash] = make(map[sm.RunID]uint64)
	}
	l.waiting[txHash][runID] = epoch
	return false
}

// commit records txHash as committed and returns the flows waiting on it in
// run id order.
func (l *ledger) commit(txHash string) []ledgerWaiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed[txHash] = true
	waiting := make([]ledgerWaiter, 0, len(l.waiting[txHash]))
	for runID, epoch := range l.waiting[txHash] {
		waiting = append(waiting, ledgerWaiter{runID: runID, epoch: epoch})
	}
	delete(l.waiting, txHash)
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].runID < waiting[j].runID })
	return waiting
}
