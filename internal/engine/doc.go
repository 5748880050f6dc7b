// Package engine runs flows on top of the statemachine package.
//
// A Node hosts the flows of one party. Every flow run gets a runner: a
// goroutine with a FIFO event queue that feeds events through
// StateMachine.Transition, executes the resulting actions in order and acts
// on the continuation.
//
// ARCHITECTURE:
//
// Single writer per flow:
// Only the runner touches the state of its flow. Inbound messages, timers,
// async results and operator requests are all events on the runner's queue.
//
// Lock-step fiber:
// Flow logic runs on its own goroutine behind a Fiber. A Fiber call hands an
// event to the runner and blocks until the runner answers with a
// continuation. An event raised by the fiber is processed before anything
// else on the queue, so at most one of the two goroutines is active.
//
// Transactions:
// CreateTransaction only marks the start of a unit of work. The store
// transaction is begun by the first persistence action and finished by the
// following commit or rollback, so transitions that persist nothing never
// reach the database.
//
// RESTORE:
//
// A checkpoint does not hold a goroutine stack. A started flow is frozen as
// the class and arguments of its logic plus a journal of the answers to
// every Fiber call so far. Restoring re-runs the logic and answers the
// journaled calls from the journal, which must bring the logic back to the
// call it was suspended on. Flow logic therefore has to be deterministic
// with respect to what its Fiber returns; a restored flow that strays from
// its journal fails with REPLAY_DIVERGED.
//
// ERRORS:
//
// An action that fails is logged, the transaction is rolled back, the flow
// goes back to its state before the transition and the failure is raised in
// the flow as an EventError. A transition that adds errors to a flow admits
// it to the hospital, whose treatment event is scheduled for the current
// incarnation of the runner.
package engine
