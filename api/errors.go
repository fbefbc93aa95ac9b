// File: api/errors.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error taxonomy shared by the loop, the transport and the wire protocol layer.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the runtime.
var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrOperationTimeout = errors.New("operation timeout")
	ErrNotSupported     = errors.New("operation not supported")
	ErrLoopStopped      = errors.New("event loop stopped")
)

// ErrorCode represents specific error conditions in the runtime.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeInternal

	// ErrCodeTransport marks socket read/write failures. The connection is
	// reset and never retried at this layer.
	ErrCodeTransport
	// ErrCodeProtocol marks malformed handshakes and framing violations.
	ErrCodeProtocol
	// ErrCodeAuth marks a missing or invalid bearer token.
	ErrCodeAuth
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:              "ok",
	ErrCodeInvalidArgument: "invalid_argument",
	ErrCodeTimeout:         "timeout",
	ErrCodeNotSupported:    "not_supported",
	ErrCodeInternal:        "internal",
	ErrCodeTransport:       "transport",
	ErrCodeProtocol:        "protocol",
	ErrCodeAuth:            "auth",
}

// String returns the short name of the code, used as a log and metric label.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// NewTransportError wraps a socket failure.
func NewTransportError(op string, err error) *Error {
	return NewError(ErrCodeTransport, op).WithCause(err)
}

// NewProtocolError reports a wire protocol violation.
func NewProtocolError(message string) *Error {
	return NewError(ErrCodeProtocol, message)
}

// NewAuthError reports an authentication failure.
func NewAuthError(message string) *Error {
	return NewError(ErrCodeAuth, message)
}

// NewTimeoutError reports an expired deadline.
func NewTimeoutError(message string) *Error {
	return NewError(ErrCodeTimeout, message).WithCause(ErrOperationTimeout)
}

// CodeOf extracts the ErrorCode of err, or ErrCodeInternal for foreign errors
// and ErrCodeOK for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
