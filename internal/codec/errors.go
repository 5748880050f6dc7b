package codec

import (
	"errors"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

// Error kinds written to ErrorRecord.Kind.
const (
	ErrorKindFlowException     = "flow_exception"
	ErrorKindUnexpectedFlowEnd = "unexpected_flow_end"
	ErrorKindKilled            = "killed"
	ErrorKindStateMachine      = "state_machine"
	ErrorKindGeneric           = "generic"
)

// ErrorRecord is the serialized form of an error.
type ErrorRecord struct {
	Kind            string `json:"kind"`
	Message         string `json:"message"`
	OriginalErrorID *int64 `json:"original_error_id,omitempty"`
	Peer            string `json:"peer,omitempty"`
	Code            string `json:"code,omitempty"`
	SessionID       int64  `json:"session_id,omitempty"`
	RunID           string `json:"run_id,omitempty"`
}

// genericError is what an error of unknown type decodes to. Only its message
// survives.
type genericError struct {
	msg string
}

func (e *genericError) Error() string { return e.msg }

// EncodeError records err. A nil error yields nil.
func EncodeError(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	var fe *sm.FlowException
	var ue *sm.UnexpectedFlowEndError
	var ke *sm.KilledFlowError
	var se *sm.StateMachineError
	switch {
	case errors.As(err, &fe):
		return &ErrorRecord{Kind: ErrorKindFlowException, Message: fe.Message, OriginalErrorID: fe.OriginalID, Peer: string(fe.Peer)}
	case errors.As(err, &ue):
		return &ErrorRecord{Kind: ErrorKindUnexpectedFlowEnd, Message: ue.Message, OriginalErrorID: ue.OriginalID, Peer: string(ue.Peer)}
	case errors.As(err, &ke):
		return &ErrorRecord{Kind: ErrorKindKilled, Message: ke.Error(), RunID: string(ke.RunID)}
	case errors.As(err, &se):
		return &ErrorRecord{Kind: ErrorKindStateMachine, Message: se.Message, Code: string(se.Code), SessionID: int64(se.SessionID)}
	default:
		return &ErrorRecord{Kind: ErrorKindGeneric, Message: err.Error()}
	}
}

// DecodeError rebuilds the typed error recorded in r. A nil record yields nil.
func DecodeError(r *ErrorRecord) error {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case ErrorKindFlowException:
		return &sm.FlowException{Message: r.Message, OriginalID: r.OriginalErrorID, Peer: sm.Party(r.Peer)}
	case ErrorKindUnexpectedFlowEnd:
		return &sm.UnexpectedFlowEndError{Message: r.Message, OriginalID: r.OriginalErrorID, Peer: sm.Party(r.Peer)}
	case ErrorKindKilled:
		return &sm.KilledFlowError{RunID: sm.RunID(r.RunID)}
	case ErrorKindStateMachine:
		return &sm.StateMachineError{Code: sm.StateMachineErrorCode(r.Code), Message: r.Message, SessionID: sm.SessionID(r.SessionID)}
	default:
		return &genericError{msg: r.Message}
	}
}

type flowErrorJSON struct {
	ErrorID int64        `json:"error_id"`
	Error   *ErrorRecord `json:"error"`
}

func encodeFlowErrors(errs []sm.FlowError) []flowErrorJSON {
	if errs == nil {
		return nil
	}
	out := make([]flowErrorJSON, len(errs))
	for i, fe := range errs {
		out[i] = flowErrorJSON{ErrorID: fe.ErrorID, Error: EncodeError(fe.Err)}
	}
	return out
}

func decodeFlowErrors(in []flowErrorJSON) []sm.FlowError {
	if in == nil {
		return nil
	}
	out := make([]sm.FlowError, len(in))
	for i, fe := range in {
		out[i] = sm.FlowError{ErrorID: fe.ErrorID, Err: DecodeError(fe.Error)}
	}
	return out
}
