// Package errdefs defines the typed error kinds the command boundary maps
// to exit codes. The core classifies errors by kind instead of matching
// message strings.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and exit-code mapping.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindStateConflict      Kind = "state_conflict"
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindAdapterUnavailable Kind = "adapter_unavailable"
	KindSubprocessFailure  Kind = "subprocess_failure"
	KindSystem             Kind = "system"
)

// Error is a classified error, optionally wrapping a cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error with additional context.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func StateConflict(format string, args ...any) *Error {
	return New(KindStateConflict, format, args...)
}
func BudgetExceeded(format string, args ...any) *Error {
	return New(KindBudgetExceeded, format, args...)
}
func AdapterUnavailable(format string, args ...any) *Error {
	return New(KindAdapterUnavailable, format, args...)
}
func Subprocess(format string, args ...any) *Error {
	return New(KindSubprocessFailure, format, args...)
}
func System(format string, args ...any) *Error { return New(KindSystem, format, args...) }

// KindOf returns the error's kind, defaulting to system for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the process exit code: user-correctable errors
// (validation, lookups, state conflicts) exit 2, everything else exits 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindStateConflict:
		return 2
	default:
		return 1
	}
}
