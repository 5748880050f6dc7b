package hospital

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// Diagnosis is one staff member's opinion of a patient. Higher values win.
type Diagnosis int

const (
	NotMySpecialty Diagnosis = iota
	OvernightObservation
	Discharge
	Terminal
)

func (d Diagnosis) String() string {
	switch d {
	case NotMySpecialty:
		return "not_my_specialty"
	case OvernightObservation:
		return "overnight_observation"
	case Discharge:
		return "discharge"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("diagnosis(%d)", int(d))
	}
}

// Outcome is the hospital's decision for a patient.
type Outcome int

const (
	OutcomeDischarge Outcome = iota + 1
	OutcomeOvernightObservation
	OutcomeUntreatable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDischarge:
		return "discharge"
	case OutcomeOvernightObservation:
		return "overnight_observation"
	case OutcomeUntreatable:
		return "untreatable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Treatment tells the runtime which event to feed the flow and after how
// long.
type Treatment struct {
	Outcome Outcome
	Event   sm.Event
	Delay   time.Duration
}

// MedicalRecord is one admission of a patient.
type MedicalRecord struct {
	RunID        sm.RunID
	Time         time.Time
	SuspendCount int
	Errors       []string
	Diagnoses    map[string]Diagnosis
	Outcome      Outcome
}

// Staff examines the errors of a patient.
type Staff interface {
	Name() string
	Consult(state sm.StateMachineState, err sm.FlowError, history []MedicalRecord) Diagnosis
}

// Config tunes the hospital.
type Config struct {
	// MaxDischarges is how often a flow is retried at the same suspension
	// before it is kept for observation.
	MaxDischarges int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// ObservationLimit makes a flow untreatable once it has been kept for
	// overnight observation that many times. Zero means no limit.
	ObservationLimit int
	// Jitter is the backoff randomization factor.
	Jitter float64
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxDischarges: 3,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
		Jitter:        0.5,
	}
}

type patient struct {
	records      []MedicalRecord
	backoff      *backoff.ExponentialBackOff
	lastSuspends int
	observed     bool
}

// Hospital tracks errored flows and decides their treatment.
type Hospital struct {
	mu       sync.Mutex
	cfg      Config
	staff    []Staff
	patients map[sm.RunID]*patient
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Hospital.
type Option func(*Hospital)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hospital) {
		h.logger = logger
	}
}

// WithClock sets the time source for medical records.
func WithClock(now func() time.Time) Option {
	return func(h *Hospital) {
		h.now = now
	}
}

// WithStaff replaces the default staff.
func WithStaff(staff ...Staff) Option {
	return func(h *Hospital) {
		h.staff = staff
	}
}

// New creates a hospital with the default staff.
func New(cfg Config, opts ...Option) *Hospital {
	h := &Hospital{
		cfg: cfg,
		staff: []Staff{
			TransientErrorSpecialist{MaxDischarges: cfg.MaxDischarges},
			TransitionErrorPractitioner{MaxDischarges: cfg.MaxDischarges},
			FlowExceptionTriage{},
		},
		patients: make(map[sm.RunID]*patient),
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RequestTreatment admits runID with its newly raised errors and returns
// the treatment.
func (h *Hospital) RequestTreatment(runID sm.RunID, state sm.StateMachineState, newErrors []sm.FlowError) Treatment {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.patients[runID]
	if !ok {
		p = &patient{}
		h.patients[runID] = p
	}

	suspends := state.Checkpoint.CheckpointState.NumberOfSuspends
	best := NotMySpecialty
	diagnoses := make(map[string]Diagnosis, len(h.staff))
	for _, member := range h.staff {
		for _, fe := range newErrors {
			d := member.Consult(state, fe, p.records)
			if d > diagnoses[member.Name()] {
				diagnoses[member.Name()] = d
			}
			if d > best {
				best = d
			}
		}
	}

	outcome := h.outcome(p, best)
	treatment := Treatment{Outcome: outcome}
	switch outcome {
	case OutcomeDischarge:
		treatment.Event = sm.EventRetryFlowFromSafePoint{}
		treatment.Delay = h.nextDelay(p, suspends)
	case OutcomeOvernightObservation:
		treatment.Event = sm.EventOvernightObservation{}
		p.observed = true
	case OutcomeUntreatable:
		treatment.Event = sm.EventStartErrorPropagation{}
		p.observed = false
	}

	msgs := make([]string, len(newErrors))
	for i, fe := range newErrors {
		msgs[i] = fe.Err.Error()
	}
	p.records = append(p.records, MedicalRecord{
		RunID:        runID,
		Time:         h.now(),
		SuspendCount: suspends,
		Errors:       msgs,
		Diagnoses:    diagnoses,
		Outcome:      outcome,
	})

	h.logger.Info("flow admitted to hospital",
		"run_id", runID,
		"outcome", outcome,
		"errors", len(newErrors),
		"delay", treatment.Delay,
	)
	return treatment
}

func (h *Hospital) outcome(p *patient, best Diagnosis) Outcome {
	switch best {
	case Discharge:
		return OutcomeDischarge
	case OvernightObservation:
		if h.cfg.ObservationLimit > 0 && countOutcome(p.records, OutcomeOvernightObservation, -1) >= h.cfg.ObservationLimit {
			return OutcomeUntreatable
		}
		return OutcomeOvernightObservation
	default:
		return OutcomeUntreatable
	}
}

// nextDelay advances the patient's backoff. Progress past the suspension of
// the previous discharge restarts the backoff.
func (h *Hospital) nextDelay(p *patient, suspends int) time.Duration {
	if p.backoff == nil || suspends != p.lastSuspends {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = h.cfg.BackoffBase
		b.MaxInterval = h.cfg.BackoffMax
		b.RandomizationFactor = h.cfg.Jitter
		b.MaxElapsedTime = 0
		b.Reset()
		p.backoff = b
		p.lastSuspends = suspends
	}
	return p.backoff.NextBackOff()
}

// Leave forgets runID. Called when the flow is removed.
func (h *Hospital) Leave(runID sm.RunID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.patients, runID)
}

// Patients lists the flows currently kept for overnight observation.
func (h *Hospital) Patients() []sm.RunID {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ids []sm.RunID
	for id, p := range h.patients {
		if p.observed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Records returns the medical history of runID, oldest first.
func (h *Hospital) Records(runID sm.RunID) []MedicalRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.patients[runID]
	if !ok {
		return nil
	}
	return append([]MedicalRecord(nil), p.records...)
}

// countOutcome counts records with the given outcome. A negative suspends
// matches every suspension.
func countOutcome(records []MedicalRecord, outcome Outcome, suspends int) int {
	n := 0
	for _, r := range records {
		if r.Outcome == outcome && (suspends < 0 || r.SuspendCount == suspends) {
			n++
		}
	}
	return n
}

// TransitionError wraps a failure of the runtime while executing the
// actions of a transition.
type TransitionError struct {
	Action string
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.Action, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient marks err as worth retrying.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with MarkTransient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
