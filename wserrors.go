package wspp

import (
	"fmt"
	"net/http"
)

// HandshakeError aborts the upgrade and causes an HTTP response with
// Status instead. The session closes once the response has been flushed.
type HandshakeError struct {
	Status  int
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake error: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// NewHandshakeError builds a HandshakeError with the given status and message.
func NewHandshakeError(status int, message string) *HandshakeError {
	return &HandshakeError{Status: status, Message: message}
}

// ProtocolError is a framing or sequencing violation. It carries the close
// code the session sends to the peer before transitioning to CLOSING.
type ProtocolError struct {
	Code   uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (code %d): %s", e.Code, e.Reason)
}

// NewProtocolError builds a ProtocolError with close code 1002.
func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Code: CloseProtocolError, Reason: reason}
}

// PolicyError covers oversize messages, invalid UTF-8, and unexpected
// opcodes: violations the peer caused that aren't strictly framing bugs.
type PolicyError struct {
	Code   uint16
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy error (code %d): %s", e.Code, e.Reason)
}

// NewPolicyError builds a PolicyError with the given close code.
func NewPolicyError(code uint16, reason string) *PolicyError {
	return &PolicyError{Code: code, Reason: reason}
}

// TransportError wraps an I/O failure reported by the Transport. The core
// never retries; it logs best-effort and jumps straight to CLOSED.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with the operation name that produced it.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ApplicationError wraps a panic or error raised from a Handler callback.
// It is treated as close code 1011 and logged.
type ApplicationError struct {
	Callback string
	Err      error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error in %s: %v", e.Callback, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// NewApplicationError wraps err with the name of the callback that raised it.
func NewApplicationError(callback string, err error) *ApplicationError {
	return &ApplicationError{Callback: callback, Err: err}
}
