// Package sessionerr defines the error taxonomy shared by the SSH
// session reducer and the WebSocket transport layer: decode errors,
// protocol violations, invariant violations, not-implemented intents,
// and non-fatal policy warnings.
package sessionerr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind classifies a session-level error by where in the pipeline it was raised.
type Kind string

const (
	// KindDecode marks malformed wire bytes. Always fatal.
	KindDecode Kind = "decode"
	// KindProtocol marks a spec violation committed by the peer. Always fatal.
	KindProtocol Kind = "protocol"
	// KindInvariant marks an implementation bug or caller misuse. Always fatal.
	KindInvariant Kind = "invariant"
	// KindNotImplemented marks an unsupported intent; returned to the
	// caller without closing the session.
	KindNotImplemented Kind = "not-implemented"
)

// SessionError wraps a trace.Error with a taxonomy Kind so callers can
// branch on Is/As without string matching.
type SessionError struct {
	Kind Kind
	trace.Error
}

func (e *SessionError) Unwrap() error { return e.Error }

func newf(kind Kind, traceErr trace.Error) *SessionError {
	return &SessionError{Kind: kind, Error: traceErr}
}

// Decode constructs a fatal decode error: the peer sent bytes that
// don't parse, which trace classifies as a bad parameter so callers
// can test it with trace.IsBadParameter.
func Decode(format string, args ...any) error {
	return newf(KindDecode, trace.BadParameter(format, args...))
}

// Protocol constructs a fatal protocol error: the peer violated the
// wire contract on an otherwise-connected transport, classified via
// trace.ConnectionProblem so trace.IsConnectionProblem(err) is true.
func Protocol(format string, args ...any) error {
	return newf(KindProtocol, trace.ConnectionProblem(nil, format, args...))
}

// Invariant constructs a fatal invariant-violation error: the caller
// misused the API (an illegal state transition, a malformed Config),
// classified as a bad parameter like Decode.
func Invariant(format string, args ...any) error {
	return newf(KindInvariant, trace.BadParameter(format, args...))
}

// NotImplemented constructs a non-fatal not-implemented error for an
// intent the core does not support, classified via
// trace.NotImplemented so trace.IsNotImplemented(err) is true.
func NotImplemented(format string, args ...any) error {
	return newf(KindNotImplemented, trace.NotImplemented(format, args...))
}

// IsFatal reports whether err, if it carries a Kind, is fatal to the
// owning session. Errors with no recognized Kind are treated as fatal
// by convention (an unexpected error is safer to treat as terminal).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *SessionError
	if !errors.As(err, &se) {
		return true
	}
	return se.Kind != KindNotImplemented
}

// KindOf extracts the Kind of err, if any.
func KindOf(err error) (Kind, bool) {
	var se *SessionError
	if !errors.As(err, &se) {
		return "", false
	}
	return se.Kind, true
}

// Wrap annotates err with additional context while preserving its Kind
// if it already carries one, defaulting to KindInvariant otherwise.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var se *SessionError
	if errors.As(err, &se) {
		return &SessionError{Kind: se.Kind, Error: trace.Wrap(se.Error, msg)}
	}
	return &SessionError{Kind: KindInvariant, Error: trace.Wrap(err, msg)}
}
