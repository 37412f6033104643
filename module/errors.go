package module

import (
	"errors"
	"fmt"
)

var (
	// ErrNoModule is wrapped by SelectionError when nothing resolves.
	ErrNoModule = errors.New("no module resolved")
	// ErrUnknownSession is wrapped by ProtocolViolationError when a session
	// cannot be found.
	ErrUnknownSession = errors.New("unknown workflow session")
	// ErrSessionTerminal is wrapped by ProtocolViolationError when a caller
	// advances a finished workflow.
	ErrSessionTerminal = errors.New("workflow session is terminal")
	// ErrSessionConflict is wrapped by ProtocolViolationError when another
	// request committed a step of the same session first.
	ErrSessionConflict = errors.New("workflow session changed concurrently")
)

// InvocationError describes a failure inside a module call. The invoker
// records and logs it, and never lets it escape to the transport.
type InvocationError struct {
	Module    string
	Operation string
	Cause     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("module %s: %s failed: %v", e.Module, e.Operation, e.Cause)
}

func (e *InvocationError) Unwrap() error { return e.Cause }

// PanicError wraps a value recovered from a panicking module.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("module panicked: %v", e.Value)
}

// SelectionError indicates that no module resolved for a token or owner and
// no fallback applied. Transports map it to protocol errors such as an
// unknown acr value, distinct from internal errors.
type SelectionError struct {
	Kind   Kind
	Token  string
	Owner  string
	Reason string
}

func (e *SelectionError) Error() string {
	switch {
	case e.Token != "":
		return fmt.Sprintf("%s: no %s module for %q: %s", ErrNoModule, e.Kind, e.Token, e.Reason)
	case e.Owner != "":
		return fmt.Sprintf("%s: no %s module for owner %q: %s", ErrNoModule, e.Kind, e.Owner, e.Reason)
	default:
		return fmt.Sprintf("%s: no default %s module: %s", ErrNoModule, e.Kind, e.Reason)
	}
}

func (e *SelectionError) Unwrap() error { return ErrNoModule }

// ReloadError reports a failed reload. The previously published snapshot
// stays active.
type ReloadError struct {
	Kind  Kind
	Cause error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload of %s modules failed: %v", e.Kind, e.Cause)
}

func (e *ReloadError) Unwrap() error { return e.Cause }

// ProtocolViolationError is a caller programming error: advancing a terminal
// or unknown session.
type ProtocolViolationError struct {
	SessionID string
	State     string
	Cause     error
}

func (e *ProtocolViolationError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("workflow protocol violation on session %q (state %s): %v", e.SessionID, e.State, e.Cause)
	}
	return fmt.Sprintf("workflow protocol violation on session %q: %v", e.SessionID, e.Cause)
}

func (e *ProtocolViolationError) Unwrap() error { return e.Cause }

// AbortError is a module-requested termination of the whole request with a
// transport-level error (e.g. invalid_request). It is the only module
// failure that propagates past the invoker.
type AbortError struct {
	Code        string
	Description string
	StatusCode  int
}

func (e *AbortError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("request aborted by module: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("request aborted by module: %s", e.Code)
}
