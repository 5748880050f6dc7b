// Package harness replays flow scenarios against the pure state machine.
//
// A scenario is a YAML file describing one flow run as a sequence of events
// and, for each event, what the transition is expected to produce. The
// harness applies every event with a deterministic random source and clock,
// so a scenario yields the same trace on every run and the trace can be
// compared against a golden file.
//
// # Scenario Format
//
//	name: ping_round_trip
//	description: "What this scenario validates"
//	identity: alice
//	flow_class: Ping
//	flow_start:
//	  kind: explicit
//	steps:
//	  - event: initiate_flow
//	    destination: bob
//	    as: s1
//	    expect:
//	      continuation: Resume
//	      sessions: { s1: Uninitiated }
//	  - event: suspend
//	    request: send_and_receive
//	    payloads: { s1: ping }
//	  - event: deliver
//	    session: s1
//	    message: data
//	    seq: 1
//	    payload: pong
//	assertions:
//	  - type: trace_count
//	    action: PersistCheckpoint
//	    count: 2
//
// Sessions are named by aliases. An alias is bound when a step creates the
// session (initiate_flow with "as", or flow_start.session for a responder)
// and is used wherever the session id would appear.
//
// # Expectations
//
// A step's expect clause is a subset match: only the fields present are
// checked. actions is the exact ordered list of action kinds; sent lists the
// outbound messages as "<type> to <party>".
//
// # Assertion Types
//
//   - trace_contains: an action kind appears somewhere in the trace
//   - trace_order: action kinds first appear in the given order
//   - trace_count: an action kind appears exactly N times
//
// The harness does not execute actions. Scheduled events are not fed back
// automatically; a scenario lists every event the flow receives.
package harness
