// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (server, auth, protocol, session)
//   - error: The specific error type within that domain
//
// Codes are stable so the control socket and the CLI can report them
// without parsing messages. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Server domain - listener lifecycle
	CodeBindFailed     = "server.bind_failed"     // Port unavailable, out of range or permission denied
	CodeAlreadyRunning = "server.already_running" // Start called while listening
	CodeNotRunning     = "server.not_running"     // Operation needs a listening server

	// Auth domain - handshake
	CodeAuthRejected = "auth.rejected" // Secret missing or mismatched
	CodeAuthTimeout  = "auth.timeout"  // Handshake did not complete in time

	// Protocol domain - command decoding
	CodeUnknownCommand = "protocol.unknown_command" // Tag outside the command set
	CodeMalformed      = "protocol.malformed"       // Truncated or over-long message

	// Transport domain - socket I/O
	CodeTransport = "transport.error" // Peer reset, I/O error

	// Session domain - session slot
	CodeSessionBusy = "session.busy" // Another session holds the slot

	// Config domain
	CodeConfigInvalid = "config.invalid" // Configuration value out of range

	// Storage domain - settings and audit persistence
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "server.bind_failed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to control socket responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors.

// BindError creates a "server.bind_failed" error.
// The server stays stopped when Start returns it.
func BindError(port int, cause error) *CodedError {
	return Wrap(CodeBindFailed, fmt.Sprintf("cannot listen on port %d", port), cause)
}

// AlreadyRunning creates a "server.already_running" error.
func AlreadyRunning(port int) *CodedError {
	return New(CodeAlreadyRunning, fmt.Sprintf("server already listening on port %d", port))
}

// NotRunning creates a "server.not_running" error.
func NotRunning() *CodedError {
	return New(CodeNotRunning, "server is not running")
}

// AuthRejected creates an "auth.rejected" error.
// The remote address is recorded for logs only; clients never see it.
func AuthRejected(remote string) *CodedError {
	return New(CodeAuthRejected, fmt.Sprintf("secret rejected for %s", remote))
}

// AuthTimeout creates an "auth.timeout" error.
func AuthTimeout(remote string, cause error) *CodedError {
	return Wrap(CodeAuthTimeout, fmt.Sprintf("handshake from %s timed out", remote), cause)
}

// UnknownCommand creates a "protocol.unknown_command" error.
func UnknownCommand(tag string) *CodedError {
	return New(CodeUnknownCommand, fmt.Sprintf("unknown command %q", tag))
}

// Malformed creates a "protocol.malformed" error.
func Malformed(reason string, cause error) *CodedError {
	return Wrap(CodeMalformed, reason, cause)
}

// Transport creates a "transport.error" error.
func Transport(op string, cause error) *CodedError {
	return Wrap(CodeTransport, fmt.Sprintf("%s failed", op), cause)
}

// SessionBusy creates a "session.busy" error.
func SessionBusy(remote string) *CodedError {
	return New(CodeSessionBusy, fmt.Sprintf("rejected %s: another device is connected", remote))
}

// ConfigInvalid creates a "config.invalid" error.
func ConfigInvalid(reason string) *CodedError {
	return New(CodeConfigInvalid, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
