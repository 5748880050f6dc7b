package statemachine

import (
	"context"
	"time"
)

// FlowIORequest is the request user code is suspended on.
type FlowIORequest interface {
	isFlowIORequest()
}

// IORequestSend sends one payload to each session and resumes once the
// payloads are handed to the transport or buffered.
type IORequestSend struct {
	Messages map[SessionID][]byte
}

// IORequestReceive resumes once every session has its next message.
type IORequestReceive struct {
	Sessions []SessionID
}

// IORequestSendAndReceive sends, then receives from the same sessions.
type IORequestSendAndReceive struct {
	Messages map[SessionID][]byte
}

// IORequestCloseSessions ends the given sessions.
type IORequestCloseSessions struct {
	Sessions []SessionID
}

// IORequestWaitForLedgerCommit resumes when the transaction commits.
type IORequestWaitForLedgerCommit struct {
	TxHash string
}

// IORequestSleep resumes after WakeUpAfter.
type IORequestSleep struct {
	WakeUpAfter time.Time
}

// IORequestGetFlowInfo resumes with the peer flow info of each session.
type IORequestGetFlowInfo struct {
	Sessions []SessionID
}

// IORequestWaitForSessionConfirmations resumes once no session is initiating.
type IORequestWaitForSessionConfirmations struct{}

// IORequestExecuteAsyncOperation runs Operation outside the flow and resumes
// with its result.
type IORequestExecuteAsyncOperation struct {
	Operation AsyncOperation
}

// IORequestForceCheckpoint persists a checkpoint and resumes immediately.
type IORequestForceCheckpoint struct{}

func (IORequestSend) isFlowIORequest()                        {}
func (IORequestReceive) isFlowIORequest()                     {}
func (IORequestSendAndReceive) isFlowIORequest()              {}
func (IORequestCloseSessions) isFlowIORequest()               {}
func (IORequestWaitForLedgerCommit) isFlowIORequest()         {}
func (IORequestSleep) isFlowIORequest()                       {}
func (IORequestGetFlowInfo) isFlowIORequest()                 {}
func (IORequestWaitForSessionConfirmations) isFlowIORequest() {}
func (IORequestExecuteAsyncOperation) isFlowIORequest()       {}
func (IORequestForceCheckpoint) isFlowIORequest()             {}

// AsyncOperation is work a flow hands to the runtime. Execute may be invoked
// more than once for the same deduplicationID after a restart, so it must be
// idempotent with respect to it.
type AsyncOperation interface {
	Name() string
	Execute(ctx context.Context, deduplicationID string) ([]byte, error)
}
