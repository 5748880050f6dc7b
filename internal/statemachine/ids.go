package statemachine

import (
	"fmt"
	"strconv"
	"time"
)

// RunID identifies one run of a flow. It is stable across restarts.
type RunID string

// SessionID identifies one end of a session. Each side mints its own id and
// learns the peer's id from the initial or confirm message.
type SessionID int64

func (id SessionID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Party is the identity of a peer node as understood by the transport.
type Party string

// RandomSource supplies the randomness used to mint session and error ids.
// *math/rand.Rand satisfies it.
type RandomSource interface {
	Int63() int64
}

// newSessionID draws a session id. Zero is reserved for "no session".
func newSessionID(random RandomSource) SessionID {
	id := random.Int63()
	if id == 0 {
		id = 1
	}
	return SessionID(id)
}

// FlowInfo is the version metadata a flow advertises to its peers.
type FlowInfo struct {
	FlowVersion int    `json:"flow_version"`
	AppName     string `json:"app_name"`
}

// MessageType classifies a session message for deduplication purposes.
type MessageType string

const (
	MessageTypeInitial MessageType = "initial"
	MessageTypeConfirm MessageType = "confirm"
	MessageTypeData    MessageType = "data"
	MessageTypeError   MessageType = "error"
	MessageTypeReject  MessageType = "reject"
	MessageTypeEnd     MessageType = "end"
)

// MessageIdentifier names one message sent on a session.
//
// SessionID is the sender's own session id. Error messages are not sequenced
// and are identified by ErrorID and the recipient's session id instead.
type MessageIdentifier struct {
	Type           MessageType `json:"type"`
	SessionID      SessionID   `json:"session_id"`
	SequenceNumber int         `json:"sequence_number"`
	ErrorID        int64       `json:"error_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Key returns the deduplication key of the message. The timestamp is not part
// of the key, so a message re-sent after a replay produces the same key.
func (m MessageIdentifier) Key() string {
	if m.Type == MessageTypeError {
		return fmt.Sprintf("%s-%d-%d", m.Type, m.ErrorID, m.SessionID)
	}
	return fmt.Sprintf("%s-%d-%d", m.Type, m.SessionID, m.SequenceNumber)
}

func newMessageID(t MessageType, session SessionID, seq int, now time.Time) MessageIdentifier {
	return MessageIdentifier{Type: t, SessionID: session, SequenceNumber: seq, Timestamp: now}
}

func newErrorMessageID(errorID int64, recipient SessionID, now time.Time) MessageIdentifier {
	return MessageIdentifier{Type: MessageTypeError, SessionID: recipient, ErrorID: errorID, Timestamp: now}
}

// SenderDeduplicationID is attached to every outbound message. The receiver
// persists Key() as a deduplication fact once it has processed the message.
type SenderDeduplicationID struct {
	MessageID  MessageIdentifier `json:"message_id"`
	SenderUUID string            `json:"sender_uuid,omitempty"`
}

func (d SenderDeduplicationID) Key() string {
	if d.SenderUUID == "" {
		return d.MessageID.Key()
	}
	return d.SenderUUID + "/" + d.MessageID.Key()
}

// HandlerCause records why an inbound deduplication handler exists.
type HandlerCause string

const (
	CauseSessionMessage HandlerCause = "session_message"
	CauseSessionInit    HandlerCause = "session_init"
	CauseFlowStart      HandlerCause = "flow_start"
)

// DeduplicationHandler is a pending acknowledgement for an inbound message or
// flow start. It is released only after the effects of the message are
// durable.
type DeduplicationHandler struct {
	ID    string       `json:"id"`
	Cause HandlerCause `json:"cause"`
}

func (h DeduplicationHandler) isFlowStart() bool {
	return h.Cause == CauseSessionInit || h.Cause == CauseFlowStart
}
