package server

import (
	"time"

	apperrors "github.com/souffleur/host/internal/errors"
)

// Outcome summarises how a connection ended.
type Outcome string

// Connection outcomes recorded in the session history.
const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeStopped        Outcome = "stopped"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeBusy           Outcome = "busy"
	OutcomeProtocolError  Outcome = "protocol_error"
	OutcomeTransportError Outcome = "transport_error"
)

// SessionRecord describes one finished connection.
type SessionRecord struct {
	ID         string
	RemoteAddr string
	Outcome    Outcome
	StartedAt  time.Time
	EndedAt    time.Time
	Commands   int
	ErrorCode  string
}

// SessionRecorder persists session records. Implementations must be safe
// for concurrent use; busy rejections are recorded from their own goroutine.
type SessionRecorder interface {
	RecordSession(rec SessionRecord) error
}

// classifyOutcome maps a session's terminal error to its outcome.
func classifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeCompleted
	}
	switch apperrors.GetCode(err) {
	case apperrors.CodeAuthRejected:
		return OutcomeRejected
	case apperrors.CodeAuthTimeout:
		return OutcomeTimeout
	case apperrors.CodeUnknownCommand, apperrors.CodeMalformed:
		return OutcomeProtocolError
	default:
		return OutcomeTransportError
	}
}
