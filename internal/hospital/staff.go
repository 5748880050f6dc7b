package hospital

import (
	"errors"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// TransientErrorSpecialist discharges errors marked transient until the
// flow has been discharged MaxDischarges times without progress.
type TransientErrorSpecialist struct {
	MaxDischarges int
}

func (TransientErrorSpecialist) Name() string { return "transient_error_specialist" }

func (s TransientErrorSpecialist) Consult(state sm.StateMachineState, err sm.FlowError, history []MedicalRecord) Diagnosis {
	if !IsTransient(err.Err) {
		return NotMySpecialty
	}
	return dischargeOrObserve(state, history, s.MaxDischarges)
}

// TransitionErrorPractitioner treats failures of the state machine itself
// and of the actions it requested.
type TransitionErrorPractitioner struct {
	MaxDischarges int
}

func (TransitionErrorPractitioner) Name() string { return "transition_error_practitioner" }

func (p TransitionErrorPractitioner) Consult(state sm.StateMachineState, err sm.FlowError, history []MedicalRecord) Diagnosis {
	var smErr *sm.StateMachineError
	var txErr *TransitionError
	if !errors.As(err.Err, &smErr) && !errors.As(err.Err, &txErr) {
		return NotMySpecialty
	}
	return dischargeOrObserve(state, history, p.MaxDischarges)
}

// FlowExceptionTriage declares flows terminal when the error is meant for
// the peers: flow exceptions, peer failures and kills.
type FlowExceptionTriage struct{}

func (FlowExceptionTriage) Name() string { return "flow_exception_triage" }

func (FlowExceptionTriage) Consult(_ sm.StateMachineState, err sm.FlowError, _ []MedicalRecord) Diagnosis {
	if sm.IsFlowException(err.Err) || sm.IsUnexpectedFlowEnd(err.Err) || sm.IsKilled(err.Err) {
		return Terminal
	}
	return NotMySpecialty
}

func dischargeOrObserve(state sm.StateMachineState, history []MedicalRecord, maxDischarges int) Diagnosis {
	suspends := state.Checkpoint.CheckpointState.NumberOfSuspends
	if countOutcome(history, OutcomeDischarge, suspends) < maxDischarges {
		return Discharge
	}
	return OvernightObservation
}
