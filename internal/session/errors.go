package session

import "fmt"

// SessionError carries the failure taxonomy of the sync session: transport,
// integrity, protocol and validation failures are distinguished by Type so
// callers can decide what to surface. Nothing here is fatal to the host
// application; failures are scoped to the current session.
type SessionError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Cause       error  `json:"-"`
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Error types
const (
	ErrTypeTransport  = "transport"
	ErrTypeIntegrity  = "integrity"
	ErrTypeProtocol   = "protocol"
	ErrTypeValidation = "validation"
)

// Error codes
const (
	CodeConnectTimeout   = "CONNECT_TIMEOUT"
	CodeConnectRefused   = "CONNECT_REFUSED"
	CodeConnectionLost   = "CONNECTION_LOST"
	CodeHashMismatch     = "HASH_MISMATCH"
	CodeUndecryptable    = "UNDECRYPTABLE"
	CodeInvalidOffer     = "INVALID_OFFER"
	CodeInvalidState     = "INVALID_STATE"
	CodeUnknownPeer      = "UNKNOWN_PEER"
	CodePairingRejected  = "PAIRING_REJECTED"
	CodeMalformedMessage = "MALFORMED_MESSAGE"
)

// NewTransportError creates a transport-category error. Transport failures
// tear the session down; the user retries manually.
func NewTransportError(code, message string, cause error) *SessionError {
	return &SessionError{
		Type:        ErrTypeTransport,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewIntegrityError creates an integrity-category error. The offending
// message is dropped; the session stays up.
func NewIntegrityError(code, message string, cause error) *SessionError {
	return &SessionError{
		Type:        ErrTypeIntegrity,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewProtocolError creates a protocol-category error for malformed or
// out-of-place messages.
func NewProtocolError(code, message string, cause error) *SessionError {
	return &SessionError{
		Type:        ErrTypeProtocol,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewValidationError creates a validation-category error, surfaced
// synchronously to the caller rather than through the state machine.
func NewValidationError(code, message string) *SessionError {
	return &SessionError{
		Type:        ErrTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}
