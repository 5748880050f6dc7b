package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one flow run described as a sequence of events.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Identity is the party the flow runs as.
	Identity string `yaml:"identity"`

	// RunID defaults to "run-1".
	RunID string `yaml:"run_id,omitempty"`

	// FlowClass is the class of the top-level flow.
	FlowClass string `yaml:"flow_class"`

	// AppName and FlowVersion are advertised to peers. They default to
	// "flowsm" and 1.
	AppName     string `yaml:"app_name,omitempty"`
	FlowVersion int    `yaml:"flow_version,omitempty"`

	// ClientID makes the finished flow keep its checkpoint.
	ClientID string `yaml:"client_id,omitempty"`

	// Seed is the first value of the deterministic random source. It
	// defaults to 1000.
	Seed int64 `yaml:"seed,omitempty"`

	FlowStart FlowStart `yaml:"flow_start"`

	Steps []Step `yaml:"steps"`

	// Assertions are checked against the whole trace once every step ran.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Flow start kinds.
const (
	StartExplicit  = "explicit"
	StartInitiated = "initiated"
)

// FlowStart describes how the flow came to exist.
type FlowStart struct {
	// Kind is "explicit" or "initiated".
	Kind string `yaml:"kind"`

	// The remaining fields describe the initial message of an initiated
	// flow.
	Peer           string `yaml:"peer,omitempty"`
	InitiatorClass string `yaml:"initiator_class,omitempty"`
	PeerSession    int64  `yaml:"peer_session,omitempty"`
	FirstPayload   string `yaml:"first_payload,omitempty"`

	// Session is the alias of the session the peer opened.
	Session string `yaml:"session,omitempty"`
}

// Step is one event applied to the flow.
type Step struct {
	// Event names the event type (see the event constants).
	Event string `yaml:"event"`

	// initiate_flow
	Destination string `yaml:"destination,omitempty"`
	As          string `yaml:"as,omitempty"`

	// suspend
	Request           string            `yaml:"request,omitempty"`
	Sessions          []string          `yaml:"sessions,omitempty"`
	Payloads          map[string]string `yaml:"payloads,omitempty"`
	MaySkipCheckpoint bool              `yaml:"may_skip_checkpoint,omitempty"`
	Progress          string            `yaml:"progress,omitempty"`
	TxHash            string            `yaml:"tx_hash,omitempty"`
	Duration          string            `yaml:"duration,omitempty"`
	Operation         string            `yaml:"operation,omitempty"`

	// deliver
	Session     string `yaml:"session,omitempty"`
	Message     string `yaml:"message,omitempty"`
	From        string `yaml:"from,omitempty"`
	PeerSession int64  `yaml:"peer_session,omitempty"`
	Seq         int    `yaml:"seq,omitempty"`
	Payload     string `yaml:"payload,omitempty"`
	ErrorID     int64  `yaml:"error_id,omitempty"`

	// Error is the message of error, async_throws, kill and of error or
	// reject deliveries.
	Error         string `yaml:"error,omitempty"`
	FlowException bool   `yaml:"flow_exception,omitempty"`

	// flow_finish and async_completion
	Result string `yaml:"result,omitempty"`

	// enter_sub_flow
	SubFlow    string `yaml:"sub_flow,omitempty"`
	Initiating bool   `yaml:"initiating,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Event names.
const (
	EventDoRemainingWork       = "do_remaining_work"
	EventInitiateFlow          = "initiate_flow"
	EventSuspend               = "suspend"
	EventDeliver               = "deliver"
	EventFlowFinish            = "flow_finish"
	EventError                 = "error"
	EventTransactionCommitted  = "transaction_committed"
	EventAsyncCompletion       = "async_completion"
	EventAsyncThrows           = "async_throws"
	EventStartErrorPropagation = "start_error_propagation"
	EventRetry                 = "retry"
	EventOvernightObservation  = "overnight_observation"
	EventWakeUp                = "wake_up"
	EventSoftShutdown          = "soft_shutdown"
	EventPause                 = "pause"
	EventKill                  = "kill"
	EventEnterSubFlow          = "enter_sub_flow"
	EventLeaveSubFlow          = "leave_sub_flow"
)

// Suspension request names.
const (
	RequestSend                 = "send"
	RequestReceive              = "receive"
	RequestSendAndReceive       = "send_and_receive"
	RequestClose                = "close"
	RequestWaitForLedgerCommit  = "wait_for_ledger_commit"
	RequestSleep                = "sleep"
	RequestGetFlowInfo          = "get_flow_info"
	RequestWaitForConfirmations = "wait_for_confirmations"
	RequestExecuteAsync         = "execute_async"
	RequestForceCheckpoint      = "force_checkpoint"
)

// Delivered message names.
const (
	MessageConfirm = "confirm"
	MessageData    = "data"
	MessageError   = "error"
	MessageReject  = "reject"
	MessageEnd     = "end"
)

// Expect is a subset match on the outcome of a step.
type Expect struct {
	Continuation string `yaml:"continuation,omitempty"`

	// Actions is the exact ordered list of action kinds. An empty list
	// expects no actions; an absent one is not checked.
	Actions *[]string `yaml:"actions,omitempty"`

	Sent *[]string `yaml:"sent,omitempty"`

	// Resumed is the value user code is resumed with, rendered as in the
	// trace.
	Resumed string `yaml:"resumed,omitempty"`

	// Throws is a substring of the error thrown into user code.
	Throws string `yaml:"throws,omitempty"`

	// Sessions maps aliases to session kinds. "absent" expects the session
	// to be gone.
	Sessions map[string]string `yaml:"sessions,omitempty"`

	FlowState  string `yaml:"flow_state,omitempty"`
	Status     string `yaml:"status,omitempty"`
	ErrorState string `yaml:"error_state,omitempty"`
	Errors     *int   `yaml:"errors,omitempty"`
	Removal    string `yaml:"removal,omitempty"`
}

// SessionAbsent is the expected kind of a session that no longer exists.
const SessionAbsent = "absent"

// Assertion validates the trace as a whole.
type Assertion struct {
	// Type is one of trace_contains, trace_order and trace_count.
	Type string `yaml:"type"`

	// Action is the action kind (used by trace_contains and trace_count).
	Action string `yaml:"action,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Unknown fields are rejected so "step:" instead of "steps:" fails loudly.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	scenario.applyDefaults()
	return &scenario, nil
}

func (s *Scenario) applyDefaults() {
	if s.RunID == "" {
		s.RunID = "run-1"
	}
	if s.AppName == "" {
		s.AppName = "flowsm"
	}
	if s.FlowVersion == 0 {
		s.FlowVersion = 1
	}
	if s.Seed == 0 {
		s.Seed = 1000
	}
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if s.FlowClass == "" {
		return fmt.Errorf("flow_class is required")
	}

	switch s.FlowStart.Kind {
	case StartExplicit:
	case StartInitiated:
		if s.FlowStart.Peer == "" {
			return fmt.Errorf("flow_start: peer is required for an initiated flow")
		}
		if s.FlowStart.PeerSession == 0 {
			return fmt.Errorf("flow_start: peer_session is required for an initiated flow")
		}
	default:
		return fmt.Errorf("flow_start: unknown kind %q", s.FlowStart.Kind)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	switch st.Event {
	case EventInitiateFlow:
		if st.Destination == "" {
			return fmt.Errorf("steps[%d]: destination is required for initiate_flow", index)
		}
	case EventSuspend:
		if err := validateRequest(index, st); err != nil {
			return err
		}
	case EventDeliver:
		if st.Session == "" {
			return fmt.Errorf("steps[%d]: session is required for deliver", index)
		}
		switch st.Message {
		case MessageConfirm:
			if st.PeerSession == 0 {
				return fmt.Errorf("steps[%d]: peer_session is required for a confirm", index)
			}
		case MessageData:
			if st.Seq <= 0 {
				return fmt.Errorf("steps[%d]: seq must be positive for data", index)
			}
		case MessageError, MessageReject, MessageEnd:
		default:
			return fmt.Errorf("steps[%d]: unknown message %q", index, st.Message)
		}
	case EventError, EventAsyncThrows:
		if st.Error == "" {
			return fmt.Errorf("steps[%d]: error is required for %s", index, st.Event)
		}
	case EventTransactionCommitted:
		if st.TxHash == "" {
			return fmt.Errorf("steps[%d]: tx_hash is required for transaction_committed", index)
		}
	case EventEnterSubFlow:
		if st.SubFlow == "" {
			return fmt.Errorf("steps[%d]: sub_flow is required for enter_sub_flow", index)
		}
	case EventDoRemainingWork, EventFlowFinish, EventAsyncCompletion, EventStartErrorPropagation,
		EventRetry, EventOvernightObservation, EventWakeUp, EventSoftShutdown, EventPause,
		EventKill, EventLeaveSubFlow:
	case "":
		return fmt.Errorf("steps[%d]: event is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown event %q", index, st.Event)
	}
	return nil
}

func validateRequest(index int, st *Step) error {
	switch st.Request {
	case RequestSend, RequestSendAndReceive:
		if len(st.Payloads) == 0 {
			return fmt.Errorf("steps[%d]: payloads are required for %s", index, st.Request)
		}
	case RequestReceive, RequestClose, RequestGetFlowInfo:
		if len(st.Sessions) == 0 {
			return fmt.Errorf("steps[%d]: sessions are required for %s", index, st.Request)
		}
	case RequestWaitForLedgerCommit:
		if st.TxHash == "" {
			return fmt.Errorf("steps[%d]: tx_hash is required for wait_for_ledger_commit", index)
		}
	case RequestSleep:
		if _, err := time.ParseDuration(st.Duration); err != nil {
			return fmt.Errorf("steps[%d]: invalid sleep duration %q: %w", index, st.Duration, err)
		}
	case RequestWaitForConfirmations, RequestExecuteAsync, RequestForceCheckpoint:
	case "":
		return fmt.Errorf("steps[%d]: request is required for suspend", index)
	default:
		return fmt.Errorf("steps[%d]: unknown request %q", index, st.Request)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
