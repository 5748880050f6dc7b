package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Event: "DoRemainingWork", Continuation: "Resume", Actions: []string{"CreateTransaction", "PersistCheckpoint", "SignalFlowHasStarted"}},
		{Seq: 2, Event: "Suspend", Continuation: "ProcessEvents", Actions: []string{"PersistCheckpoint", "ScheduleEvent"}},
		{Seq: 3, Event: "DoRemainingWork", Continuation: "ProcessEvents", Actions: []string{"SendMultiple"}},
	}
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	failures := EvaluateAssertions(sampleTrace(), []Assertion{
		{Type: AssertTraceContains, Action: "SendMultiple"},
		{Type: AssertTraceOrder, Actions: []string{"CreateTransaction", "ScheduleEvent", "SendMultiple"}},
		{Type: AssertTraceCount, Action: "PersistCheckpoint", Count: 2},
		{Type: AssertTraceCount, Action: "RemoveFlow", Count: 0},
	})
	assert.Empty(t, failures)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "missing action",
			assertion: Assertion{Type: AssertTraceContains, Action: "RemoveFlow"},
			want:      "not found in trace",
		},
		{
			name:      "wrong order",
			assertion: Assertion{Type: AssertTraceOrder, Actions: []string{"SendMultiple", "ScheduleEvent"}},
			want:      "SendMultiple (pos 6) should be before ScheduleEvent (pos 5)",
		},
		{
			name:      "order with missing action",
			assertion: Assertion{Type: AssertTraceOrder, Actions: []string{"CreateTransaction", "RemoveFlow"}},
			want:      "missing action: RemoveFlow",
		},
		{
			name:      "wrong count",
			assertion: Assertion{Type: AssertTraceCount, Action: "PersistCheckpoint", Count: 1},
			want:      "2 times",
		},
		{
			name:      "unknown type",
			assertion: Assertion{Type: "final_state"},
			want:      `unknown assertion type "final_state"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := EvaluateAssertions(sampleTrace(), []Assertion{tt.assertion})
			require.Len(t, failures, 1)
			assert.Contains(t, failures[0], tt.want)
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{Type: AssertTraceContains, Expected: "action X", Actual: "not found", Trace: sampleTrace()}
	msg := err.Error()

	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "[2] Suspend -> ProcessEvents [PersistCheckpoint ScheduleEvent]")
}

func TestCheckExpect(t *testing.T) {
	ev := TraceEvent{
		Event:        "DeliverSessionMessage",
		Continuation: "Throw",
		Throws:       "peer bob ended the session",
		Actions:      []string{"CreateTransaction"},
		Sessions:     map[string]string{"s1": "Ended"},
		FlowState:    "Started",
		Status:       "RUNNABLE",
		ErrorState:   "Clean",
	}
	cp := sm.Checkpoint{ErrorState: sm.ErrorStateClean{}}
	actions := []string{"CreateTransaction"}
	zero := 0

	t.Run("matching subset", func(t *testing.T) {
		failures := checkExpect(Expect{
			Continuation: "Throw",
			Throws:       "ended the session",
			Actions:      &actions,
			Sessions:     map[string]string{"s1": "Ended", "s2": SessionAbsent},
			Errors:       &zero,
		}, ev, cp)
		assert.Empty(t, failures)
	})

	t.Run("empty expect checks nothing", func(t *testing.T) {
		assert.Empty(t, checkExpect(Expect{}, ev, cp))
	})

	t.Run("mismatches", func(t *testing.T) {
		one := 1
		none := []string{}
		failures := checkExpect(Expect{
			Throws:     "timeout",
			Sent:       &[]string{"data to bob"},
			Actions:    &none,
			ErrorState: "Errored",
			Errors:     &one,
			Removal:    "OrderlyFinish",
		}, ev, cp)
		assert.Equal(t, []string{
			"actions: expected [], got [CreateTransaction]",
			"sent: expected [data to bob], got []",
			"throws: expected timeout, got peer bob ended the session",
			"error_state: expected Errored, got Clean",
			"errors: expected 1, got 0",
			"removal: expected OrderlyFinish, got ",
		}, failures)
	})
}
