// Package failure defines the closed set of reasons a dispatch can fail with
// and the single error type that carries them.
package failure

import (
	"errors"
	"fmt"
)

// Reason classifies a failed dispatch so callers can branch on remediation.
type Reason string

const (
	ExitCode              Reason = "EXIT_CODE"
	ArgumentsMissing      Reason = "ARGUMENTS_MISSING"
	ArgumentsInvalid      Reason = "ARGUMENTS_INVALID"
	AuthenticationFailure Reason = "AUTHENTICATION_FAILURE"
	CommunicationFailure  Reason = "COMMUNICATION_FAILURE"
	SaltAPIFailure        Reason = "SALT_API_FAILURE"
	SaltTargetMismatch    Reason = "SALT_TARGET_MISMATCH"
	Interrupted           Reason = "INTERRUPTED"
)

var reasons = map[Reason]struct{}{
	ExitCode:              {},
	ArgumentsMissing:      {},
	ArgumentsInvalid:      {},
	AuthenticationFailure: {},
	CommunicationFailure:  {},
	SaltAPIFailure:        {},
	SaltTargetMismatch:    {},
	Interrupted:           {},
}

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	_, ok := reasons[r]
	return ok
}

func (r Reason) String() string { return string(r) }

// Error is the only error type surfaced by the dispatch core.
type Error struct {
	Reason  Reason
	Node    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Node != "" {
		return fmt.Sprintf("%s [node %s]: %s", e.Reason, e.Node, msg)
	}
	return fmt.Sprintf("%s: %s", e.Reason, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error. It panics if reason is not one of the declared reasons.
func New(reason Reason, message string) *Error {
	mustValid(reason)
	return &Error{Reason: reason, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(reason Reason, format string, args ...any) *Error {
	return New(reason, fmt.Sprintf(format, args...))
}

// Wrap builds an Error that keeps err as its cause.
func Wrap(reason Reason, err error, message string) *Error {
	mustValid(reason)
	return &Error{Reason: reason, Message: message, Err: err}
}

// WithNode returns a copy of e tagged with the node identity.
func (e *Error) WithNode(node string) *Error {
	cp := *e
	cp.Node = node
	return &cp
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) (Reason, bool) {
	if fe, ok := As(err); ok {
		return fe.Reason, true
	}
	return "", false
}

// Is reports whether err carries the given reason.
func Is(err error, reason Reason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}

func mustValid(reason Reason) {
	if !reason.Valid() {
		panic(fmt.Sprintf("failure: unknown reason %q", string(reason)))
	}
}
