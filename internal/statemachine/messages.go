package statemachine

// SessionMessage is a message exchanged between two flows over a session.
// It is either an InitialSessionMessage or an ExistingSessionMessage.
type SessionMessage interface {
	isSessionMessage()
}

// InitialSessionMessage opens a session. It is the only message not addressed
// to an existing session on the recipient.
type InitialSessionMessage struct {
	InitiatorSessionID     SessionID `json:"initiator_session_id"`
	InitiationEntropy      int64     `json:"initiation_entropy"`
	InitiatorFlowClassName string    `json:"initiator_flow_class_name"`
	FlowVersion            int       `json:"flow_version"`
	AppName                string    `json:"app_name"`
	// FirstPayload is nil when the session was opened without data.
	FirstPayload []byte `json:"first_payload,omitempty"`
}

// ExistingSessionMessage carries a payload to an already-known session.
type ExistingSessionMessage struct {
	RecipientSessionID SessionID              `json:"recipient_session_id"`
	Payload            ExistingSessionPayload `json:"payload"`
}

func (InitialSessionMessage) isSessionMessage()  {}
func (ExistingSessionMessage) isSessionMessage() {}

// ExistingSessionPayload is the sealed set of payloads an
// ExistingSessionMessage can carry.
type ExistingSessionPayload interface {
	isExistingSessionPayload()
	messageType() MessageType
}

// ConfirmSessionMessage is the initiated side's answer to an initial message.
type ConfirmSessionMessage struct {
	InitiatedSessionID SessionID `json:"initiated_session_id"`
	InitiatedFlowInfo  FlowInfo  `json:"initiated_flow_info"`
}

// DataSessionMessage carries one application payload.
type DataSessionMessage struct {
	Payload []byte `json:"payload"`
}

// ErrorSessionMessage tells the peer that this side failed. FlowException is
// nil when the failure must not be revealed to the peer.
type ErrorSessionMessage struct {
	FlowException *FlowException `json:"flow_exception,omitempty"`
	ErrorID       int64          `json:"error_id"`
}

// RejectSessionMessage refuses an initial message.
type RejectSessionMessage struct {
	Message string `json:"message"`
	ErrorID int64  `json:"error_id"`
}

// EndSessionMessage announces that the sender will not send anything else.
type EndSessionMessage struct{}

func (ConfirmSessionMessage) isExistingSessionPayload() {}
func (DataSessionMessage) isExistingSessionPayload()    {}
func (ErrorSessionMessage) isExistingSessionPayload()   {}
func (RejectSessionMessage) isExistingSessionPayload()  {}
func (EndSessionMessage) isExistingSessionPayload()     {}

func (ConfirmSessionMessage) messageType() MessageType { return MessageTypeConfirm }
func (DataSessionMessage) messageType() MessageType    { return MessageTypeData }
func (ErrorSessionMessage) messageType() MessageType   { return MessageTypeError }
func (RejectSessionMessage) messageType() MessageType  { return MessageTypeReject }
func (EndSessionMessage) messageType() MessageType     { return MessageTypeEnd }

// PayloadType returns the message type of p, or "" for nil.
func PayloadType(p ExistingSessionPayload) MessageType {
	if p == nil {
		return ""
	}
	return p.messageType()
}
