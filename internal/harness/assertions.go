package harness

import (
	"fmt"
	"slices"
	"strings"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s -> %s %v\n", event.Seq, event.Event, event.Continuation, event.Actions)
	}

	return buf.String()
}

// checkExpect compares one step's outcome against its expect clause.
func checkExpect(exp Expect, ev TraceEvent, cp sm.Checkpoint) []string {
	var failures []string
	mismatch := func(field string, want, got any) {
		failures = append(failures, fmt.Sprintf("%s: expected %v, got %v", field, want, got))
	}

	if exp.Continuation != "" && exp.Continuation != ev.Continuation {
		mismatch("continuation", exp.Continuation, ev.Continuation)
	}
	if exp.Actions != nil && !slices.Equal(*exp.Actions, ev.Actions) {
		mismatch("actions", *exp.Actions, ev.Actions)
	}
	if exp.Sent != nil && !slices.Equal(*exp.Sent, ev.Sent) {
		mismatch("sent", *exp.Sent, ev.Sent)
	}
	if exp.Resumed != "" && exp.Resumed != ev.Resumed {
		mismatch("resumed", exp.Resumed, ev.Resumed)
	}
	if exp.Throws != "" && !strings.Contains(ev.Throws, exp.Throws) {
		mismatch("throws", exp.Throws, ev.Throws)
	}
	for _, alias := range sortedKeys(exp.Sessions) {
		want := exp.Sessions[alias]
		got, ok := ev.Sessions[alias]
		if !ok {
			got = SessionAbsent
		}
		if want != got {
			mismatch("session "+alias, want, got)
		}
	}
	if exp.FlowState != "" && exp.FlowState != ev.FlowState {
		mismatch("flow_state", exp.FlowState, ev.FlowState)
	}
	if exp.Status != "" && exp.Status != ev.Status {
		mismatch("status", exp.Status, ev.Status)
	}
	if exp.ErrorState != "" && exp.ErrorState != ev.ErrorState {
		mismatch("error_state", exp.ErrorState, ev.ErrorState)
	}
	if exp.Errors != nil {
		if got := errorCount(cp.ErrorState); got != *exp.Errors {
			mismatch("errors", *exp.Errors, got)
		}
	}
	if exp.Removal != "" && exp.Removal != ev.Removal {
		mismatch("removal", exp.Removal, ev.Removal)
	}
	return failures
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EvaluateAssertions checks every assertion against the trace and returns
// the failure messages.
func EvaluateAssertions(trace []TraceEvent, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, a)
		case AssertTraceCount:
			err = assertTraceCount(trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// flattenActions lists every action kind of the trace in order.
func flattenActions(trace []TraceEvent) []string {
	var all []string
	for _, ev := range trace {
		all = append(all, ev.Actions...)
	}
	return all
}

// assertTraceContains checks that the action kind appears in the trace.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	if slices.Contains(flattenActions(trace), assertion.Action) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s", assertion.Action),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that action kinds first appear in the given order.
// Other actions may appear in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	all := flattenActions(trace)
	positions := make(map[string]int, len(assertion.Actions))
	for _, action := range assertion.Actions {
		pos := slices.Index(all, action)
		if pos < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
		positions[action] = pos + 1
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the action kind appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, action := range flattenActions(trace) {
		if action == assertion.Action {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s exactly %d times", assertion.Action, assertion.Count),
			Actual:   fmt.Sprintf("%d times", count),
			Trace:    trace,
		}
	}
	return nil
}
