// Package kernelerrors defines the typed failure taxonomy shared across the
// kernel (§7): one Kind per row of the error table, wrapped in an Error that
// carries the kind plus the underlying cause, matching the teacher's
// executor.ErrExecutionNotFound-style sentinel-plus-wrap convention.
package kernelerrors

import (
	"errors"
	"fmt"
)

// Kind is one row of the error taxonomy table in spec.md §7.
type Kind string

const (
	Validation      Kind = "Validation"
	NotFound        Kind = "NotFound"
	Busy            Kind = "Busy"
	AtCapacity      Kind = "AtCapacity"
	CLIFailed       Kind = "CLIFailed"
	ProtocolError   Kind = "ProtocolError"
	Stalled         Kind = "Stalled"
	TimedOut        Kind = "TimedOut"
	Lagged          Kind = "Lagged"
	SubAgentFailure Kind = "SubAgentFailure"
	CompactionFailed Kind = "CompactionFailed"
	IO              Kind = "IO"
)

// Error is the kernel's wrapped error type: a Kind plus message plus an
// optional wrapped cause. errors.Is/As work against both the Kind sentinel
// pattern (via Is) and the wrapped cause (via Unwrap).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, kernelerrors.New(SomeKind, "")) to match any
// *Error with the same Kind, regardless of message/cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, or "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is is a package-level convenience for errors.Is(err, New(kind, "")).
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
