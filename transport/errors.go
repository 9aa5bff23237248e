// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport defines the carrier-agnostic Client/Server
// abstraction shared by every concrete carrier (tcpserver, tcppool,
// tcpclient, wsclient, wsserver, sse, streamable).
package transport

import "fmt"

// Kind classifies a transport error per the propagation policy in spec §7.
type Kind int

const (
	// KindUnknown is the zero value; never returned deliberately.
	KindUnknown Kind = iota
	KindInvalidArg
	KindNotRunning
	KindNotSupported
	KindTimeout
	KindCancelled
	KindConnectionClosed
	KindFramingError
	KindSizeLimitExceeded
	KindIOError
	KindCapacityExhausted
	KindSessionNotFound
	KindSessionExpired
	KindOriginDenied
	KindCallbackError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArg:
		return "invalid_arg"
	case KindNotRunning:
		return "not_running"
	case KindNotSupported:
		return "not_supported"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindConnectionClosed:
		return "connection_closed"
	case KindFramingError:
		return "framing_error"
	case KindSizeLimitExceeded:
		return "size_limit_exceeded"
	case KindIOError:
		return "io_error"
	case KindCapacityExhausted:
		return "capacity_exhausted"
	case KindSessionNotFound:
		return "session_not_found"
	case KindSessionExpired:
		return "session_expired"
	case KindOriginDenied:
		return "origin_denied"
	case KindCallbackError:
		return "callback_error"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every transport operation. Callers
// should use errors.As to recover the Kind and, for KindCallbackError, the
// JSON-RPC error Code set by the injected message callback.
type Error struct {
	Kind    Kind
	Code    int // only meaningful for KindCallbackError
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target has the same Kind, allowing
// errors.Is(err, transport.New(KindTimeout, "")) style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind with a static message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Sentinel instances for errors.Is comparisons against a fixed kind.
var (
	ErrNotRunning        = New(KindNotRunning, "transport is not running")
	ErrNotSupported      = New(KindNotSupported, "operation not supported by this carrier")
	ErrTimeout           = New(KindTimeout, "operation timed out")
	ErrCancelled         = New(KindCancelled, "operation cancelled")
	ErrConnectionClosed  = New(KindConnectionClosed, "connection closed")
	ErrFraming           = New(KindFramingError, "framing error")
	ErrSizeLimitExceeded = New(KindSizeLimitExceeded, "payload exceeds maximum size")
	ErrCapacityExhausted = New(KindCapacityExhausted, "capacity exhausted")
	ErrSessionNotFound   = New(KindSessionNotFound, "session not found")
	ErrSessionExpired    = New(KindSessionExpired, "session expired")
	ErrOriginDenied      = New(KindOriginDenied, "origin denied")
)
