// Package errs implements the typed error taxonomy from spec §7.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed taxonomy members.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindExchangeUnreachable Kind = "ExchangeUnreachable"
	KindExchangeRejected   Kind = "ExchangeRejected"
	KindDataStale          Kind = "DataStale"
	KindInvalidTransition  Kind = "InvalidTransition"
	KindRiskDenied         Kind = "RiskDenied"
	KindExecutionTimeout   Kind = "ExecutionTimeout"
	KindSlippageExceeded   Kind = "SlippageExceeded"
	KindInFlight           Kind = "InFlight"
	KindInternal           Kind = "Internal"
)

// Error is the concrete error type carrying a Kind plus context.
type Error struct {
	Kind    Kind
	Op      string // component/stage this occurred in
	Reason  string
	Symbol  string
	Wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s", e.Op, msg)
	}
	if e.Symbol != "" {
		msg = fmt.Sprintf("%s (symbol=%s)", msg, e.Symbol)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error of the given kind.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap builds an *Error of the given kind wrapping another error.
func Wrap(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Wrapped: err}
}

// WithSymbol attaches a symbol for log correlation and returns the receiver.
func (e *Error) WithSymbol(symbol string) *Error {
	e.Symbol = symbol
	return e
}

// Is reports whether err, or any error it wraps, is an *Error of the given
// Kind (found with errors.As).
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// InvalidTransition is returned by the orchestrator for a disallowed FSM step.
func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition, "orchestrator", fmt.Sprintf("transition %s -> %s is not allowed", from, to))
}

// RiskDenied is returned by the risk manager when a gate rejects a signal.
func RiskDenied(reason string) *Error {
	return New(KindRiskDenied, "risk", reason)
}

// ExecutionTimeout is returned when the dead-man switch fires.
func ExecutionTimeout(op string) *Error {
	return New(KindExecutionTimeout, op, "deadman timeout elapsed before fill/ack")
}

// InFlight is returned when a second order is requested for a
// (position, intent) family that already has one outstanding.
func InFlight(op string) *Error {
	return New(KindInFlight, op, "an order for this position/intent is already in flight")
}

// Internal wraps an invariant violation. Reserved for programming errors,
// not user-facing/business conditions.
func Internal(op string, err error) *Error {
	return Wrap(KindInternal, op, "invariant violation", err)
}
