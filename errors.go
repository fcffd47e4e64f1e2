// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is reported for operations on a session that has not
	// reached the running state.
	ErrNotStarted = errors.New("session not started")

	// ErrAlreadyStarted is reported by Start on a session already started.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrSessionTerminated is reported for operations on a terminated session.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrSessionClosed is the cause reported to pending calls when the
	// session is closed by the caller.
	ErrSessionClosed = errors.New("session closed")

	// ErrTerminatedByPeer is the cause reported when the peer ends the session.
	ErrTerminatedByPeer = errors.New("session terminated by peer")

	// ErrConnectionLost is matched by errors reporting that a pending call
	// could not complete because its session ended.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCanceled is matched by errors reporting a canceled call.
	ErrCanceled = errors.New("call canceled")

	// ErrInternal is matched by errors reporting an internal failure.
	ErrInternal = errors.New("internal error")
)

// ProtocolError reports a violation of the protocol by the peer, such as an
// invalid sequence number. A protocol error is fatal to the session.
type ProtocolError struct {
	Message string
}

func (p *ProtocolError) Error() string { return "protocol error: " + p.Message }

func protocolErrorf(msg string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(msg, args...)}
}

// RejectedError reports that the peer refused to establish or resume a
// session.
type RejectedError struct {
	Reason Reason
}

func (r *RejectedError) Error() string { return fmt.Sprintf("session rejected: %v", r.Reason) }

// RetryError reports that connection attempts were exhausted.
type RetryError struct {
	Attempts int   // the number of attempts made
	Err      error // the error from the last attempt
}

func (r *RetryError) Error() string {
	return fmt.Sprintf("connect failed after %d attempts: %v", r.Attempts, r.Err)
}

// Unwrap reports the underlying error of r.
func (r *RetryError) Unwrap() error { return r.Err }

// ConnectionLostError is the failure reported to a pending call when its
// session terminates before the call completes.
type ConnectionLostError struct {
	Err error // the cause of termination
}

func (c *ConnectionLostError) Error() string {
	if c.Err == nil {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("%v: %v", ErrConnectionLost, c.Err)
}

// Unwrap reports the underlying errors of c.
func (c *ConnectionLostError) Unwrap() []error { return wrapped(ErrConnectionLost, c.Err) }

// InternalError is the failure reported to a synchronous caller for a
// canceled call, or for a response that could not be correlated correctly.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return fmt.Sprintf("%v: %v", ErrInternal, e.Err) }

// Unwrap reports the underlying errors of e.
func (e *InternalError) Unwrap() []error { return wrapped(ErrInternal, e.Err) }

func wrapped(kind, err error) []error {
	if err == nil {
		return []error{kind}
	}
	return []error{kind, err}
}
