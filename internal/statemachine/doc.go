// Package statemachine implements the transition function of a persistent,
// resumable flow.
//
// A flow run is described by a StateMachineState. Every input to the flow
// (a message from a peer, a suspension of user code, a committed ledger
// transaction, a timer) is an Event. StateMachine.Transition maps
// (event, state, now) to a TransitionResult: the next state, an ordered list
// of Actions for the runtime to execute, and a FlowContinuation telling the
// runtime what to do with the user-code fiber.
//
// PURITY:
//
// The transition function performs no I/O. The only inputs besides the event
// and the state are the injected RandomSource (session and error ids) and the
// caller-supplied wall-clock time (message identifiers). Given the same
// inputs it produces the same result, which makes transitions replayable in
// tests and in the scenario harness.
//
// State values are copy-on-write. Helpers such as Checkpoint.AddSession clone
// the maps and slices they touch, so a TransitionResult never aliases mutable
// data reachable from the input state.
//
// ACTIONS:
//
// Actions must be executed in order. CreateTransaction, CommitTransaction and
// RollbackTransaction bracket the persistence actions (PersistCheckpoint,
// RemoveCheckpoint, PersistDeduplicationFacts). Message acknowledgement always
// follows the commit that made the corresponding deduplication facts durable.
//
// SESSIONS:
//
// Each side of a session numbers the messages it sends. The opening message
// (initial or confirm) carries sequence number 0 and data starts at 1. A
// received message is handed to user code only when its sequence number is
// exactly LastSequenceNumberProcessed+1.
package statemachine
