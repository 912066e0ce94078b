// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorKind enumerates the closed set of error conditions the client can
// surface. Names describe the condition, not an implementation detail, so
// that callers can safely switch on them across versions.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindProtocolError
	KindIOError
	KindConnectionClosed
	KindNoServer
	KindStaleConnection
	KindSecureWanted
	KindSecureRequired
	KindDisconnected
	KindAuthFailed
	KindNotPermitted
	KindInvalidSubject
	KindInvalidArg
	KindInvalidSubscription
	KindInvalidTimeout
	KindIllegalState
	KindSlowConsumer
	KindMaxPayload
	KindMaxDelivered
	KindInsufficientBuffer
	KindNoMemory
	KindTimeout
	KindSSLError
	KindNoServerSupport
	KindNotYetConnected
	KindDraining
	KindInvalidQueueName
)

var kindNames = map[ErrorKind]string{
	KindNone:                "ok",
	KindProtocolError:       "protocol error",
	KindIOError:             "io error",
	KindConnectionClosed:    "connection closed",
	KindNoServer:            "no servers available for connection",
	KindStaleConnection:     "stale connection",
	KindSecureWanted:        "secure connection not available",
	KindSecureRequired:      "secure connection required",
	KindDisconnected:        "connection disconnected",
	KindAuthFailed:          "authentication failed",
	KindNotPermitted:        "not permitted",
	KindInvalidSubject:      "invalid subject",
	KindInvalidArg:          "invalid argument",
	KindInvalidSubscription: "invalid subscription",
	KindInvalidTimeout:      "invalid timeout",
	KindIllegalState:        "illegal state",
	KindSlowConsumer:        "slow consumer, messages dropped",
	KindMaxPayload:          "maximum payload exceeded",
	KindMaxDelivered:        "maximum messages delivered",
	KindInsufficientBuffer:  "insufficient buffer",
	KindNoMemory:            "no memory",
	KindTimeout:             "timeout",
	KindSSLError:            "ssl error",
	KindNoServerSupport:     "not supported by server",
	KindNotYetConnected:     "not yet connected",
	KindDraining:            "connection is draining",
	KindInvalidQueueName:    "invalid queue name",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is the concrete error type returned across the public API. It
// carries an ErrorKind for programmatic dispatch, a human message, an
// optional wrapped cause and an advisory stack captured at creation time.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	stack   []uintptr
}

func newError(kind ErrorKind, msg string) *Error {
	e := &Error{Kind: kind, Message: msg}
	e.stack = make([]uintptr, 32)
	n := runtime.Callers(3, e.stack)
	e.stack = e.stack[:n]
	return e
}

func newErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return newError(kind, fmt.Sprintf(format, args...))
}

func wrapError(kind ErrorKind, cause error) *Error {
	e := newError(kind, cause.Error())
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return "nats: " + e.Kind.String()
	}
	return "nats: " + e.Message
}

// Unwrap allows errors.Is/errors.As to reach the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is lets sentinel *Error values (e.g. ErrConnectionClosed) match any
// *Error of the same Kind, regardless of message, via errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// Stack formats the advisory call stack captured when the error was
// created. It is diagnostic only and never part of the wire or API
// contract.
func (e *Error) Stack() string {
	if e == nil || len(e.stack) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(e.stack)
	out := ""
	for {
		f, more := frames.Next()
		out += fmt.Sprintf("%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return out
}

// Sentinel errors for the common, context-free cases. Compare with
// errors.Is(err, nats.ErrConnectionClosed), not ==, since instances
// returned from the wire carry distinct messages/stacks.
var (
	ErrConnectionClosed    = newError(KindConnectionClosed, "connection closed")
	ErrSecureConnRequired  = newError(KindSecureRequired, "secure connection required")
	ErrSecureConnWanted    = newError(KindSecureWanted, "secure connection not available")
	ErrBadSubscription     = newError(KindInvalidSubscription, "invalid subscription")
	ErrSlowConsumer        = newError(KindSlowConsumer, "slow consumer, messages dropped")
	ErrTimeout             = newError(KindTimeout, "timeout")
	ErrNoServers           = newError(KindNoServer, "no servers available for connection")
	ErrStaleConnection     = newError(KindStaleConnection, "stale connection")
	ErrAuthFailed          = newError(KindAuthFailed, "authentication failed")
	ErrAuthorizationError  = newError(KindNotPermitted, "not permitted")
	ErrInvalidSubject      = newError(KindInvalidSubject, "invalid subject")
	ErrInvalidArg          = newError(KindInvalidArg, "invalid argument")
	ErrInvalidTimeout      = newError(KindInvalidTimeout, "invalid timeout")
	ErrIllegalState        = newError(KindIllegalState, "illegal state")
	ErrMaxPayload          = newError(KindMaxPayload, "maximum payload exceeded")
	ErrMaxMessages         = newError(KindMaxDelivered, "maximum messages delivered")
	ErrInsufficientBuffer  = newError(KindInsufficientBuffer, "insufficient buffer")
	ErrNoMemory            = newError(KindNoMemory, "no memory")
	ErrSSL                 = newError(KindSSLError, "ssl error")
	ErrNoServerSupport     = newError(KindNoServerSupport, "not supported by server")
	ErrNotYetConnected     = newError(KindNotYetConnected, "not yet connected")
	ErrConnectionDraining  = newError(KindDraining, "connection is draining")
	ErrInvalidQueueName    = newError(KindInvalidQueueName, "invalid queue name")
	ErrConnectionReconnecting = newError(KindIllegalState, "connection is reconnecting")
)
