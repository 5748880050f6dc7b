package harness

// TraceEvent records one transition of a scenario run.
type TraceEvent struct {
	Seq          int               `json:"seq"`
	Event        string            `json:"event"`
	Continuation string            `json:"continuation"`
	Resumed      string            `json:"resumed,omitempty"`
	Throws       string            `json:"throws,omitempty"`
	Actions      []string          `json:"actions"`
	Sent         []string          `json:"sent,omitempty"`
	Removal      string            `json:"removal,omitempty"`
	Sessions     map[string]string `json:"sessions,omitempty"`
	FlowState    string            `json:"flow_state"`
	Status       string            `json:"status"`
	ErrorState   string            `json:"error_state"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one entry per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes the failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a transition to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
