package codec

import (
	"encoding/json"
	"fmt"

	sm "github.com/roach88/flowsm/internal/statemachine"
)

type payloadJSON struct {
	Type               sm.MessageType    `json:"type"`
	InitiatedSessionID sm.SessionID      `json:"initiated_session_id,omitempty"`
	InitiatedFlowInfo  *sm.FlowInfo      `json:"initiated_flow_info,omitempty"`
	Payload            []byte            `json:"payload,omitempty"`
	FlowException      *sm.FlowException `json:"flow_exception,omitempty"`
	ErrorID            int64             `json:"error_id,omitempty"`
	Message            string            `json:"message,omitempty"`
}

func encodePayload(p sm.ExistingSessionPayload) payloadJSON {
	switch v := p.(type) {
	case sm.ConfirmSessionMessage:
		info := v.InitiatedFlowInfo
		return payloadJSON{Type: sm.MessageTypeConfirm, InitiatedSessionID: v.InitiatedSessionID, InitiatedFlowInfo: &info}
	case sm.DataSessionMessage:
		return payloadJSON{Type: sm.MessageTypeData, Payload: v.Payload}
	case sm.ErrorSessionMessage:
		return payloadJSON{Type: sm.MessageTypeError, FlowException: v.FlowException, ErrorID: v.ErrorID}
	case sm.RejectSessionMessage:
		return payloadJSON{Type: sm.MessageTypeReject, Message: v.Message, ErrorID: v.ErrorID}
	case sm.EndSessionMessage:
		return payloadJSON{Type: sm.MessageTypeEnd}
	default:
		panic(fmt.Sprintf("codec: unhandled session payload %T", p))
	}
}

func decodePayload(p payloadJSON) (sm.ExistingSessionPayload, error) {
	switch p.Type {
	case sm.MessageTypeConfirm:
		var info sm.FlowInfo
		if p.InitiatedFlowInfo != nil {
			info = *p.InitiatedFlowInfo
		}
		return sm.ConfirmSessionMessage{InitiatedSessionID: p.InitiatedSessionID, InitiatedFlowInfo: info}, nil
	case sm.MessageTypeData:
		return sm.DataSessionMessage{Payload: p.Payload}, nil
	case sm.MessageTypeError:
		return sm.ErrorSessionMessage{FlowException: p.FlowException, ErrorID: p.ErrorID}, nil
	case sm.MessageTypeReject:
		return sm.RejectSessionMessage{Message: p.Message, ErrorID: p.ErrorID}, nil
	case sm.MessageTypeEnd:
		return sm.EndSessionMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown session payload type %q", p.Type)
	}
}

type sessionMessageJSON struct {
	Kind     string                    `json:"kind"`
	Initial  *sm.InitialSessionMessage `json:"initial,omitempty"`
	Existing *existingMessageJSON      `json:"existing,omitempty"`
}

type existingMessageJSON struct {
	RecipientSessionID sm.SessionID `json:"recipient_session_id"`
	Payload            payloadJSON  `json:"payload"`
}

// EncodeSessionMessage implements Codec.
func (JSON) EncodeSessionMessage(msg sm.SessionMessage) ([]byte, error) {
	var w sessionMessageJSON
	switch m := msg.(type) {
	case sm.InitialSessionMessage:
		w = sessionMessageJSON{Kind: "initial", Initial: &m}
	case sm.ExistingSessionMessage:
		w = sessionMessageJSON{Kind: "existing", Existing: &existingMessageJSON{
			RecipientSessionID: m.RecipientSessionID,
			Payload:            encodePayload(m.Payload),
		}}
	default:
		return nil, fmt.Errorf("encode session message: unhandled type %T", msg)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode session message: %w", err)
	}
	return data, nil
}

// DecodeSessionMessage implements Codec.
func (JSON) DecodeSessionMessage(data []byte) (sm.SessionMessage, error) {
	var w sessionMessageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode session message: %w", err)
	}
	switch w.Kind {
	case "initial":
		if w.Initial == nil {
			return nil, fmt.Errorf("decode session message: initial message without body")
		}
		return *w.Initial, nil
	case "existing":
		if w.Existing == nil {
			return nil, fmt.Errorf("decode session message: existing message without body")
		}
		p, err := decodePayload(w.Existing.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode session message: %w", err)
		}
		return sm.ExistingSessionMessage{RecipientSessionID: w.Existing.RecipientSessionID, Payload: p}, nil
	default:
		return nil, fmt.Errorf("decode session message: unknown kind %q", w.Kind)
	}
}
