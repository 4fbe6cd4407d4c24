// Package errkind defines the typed error taxonomy shared across the
// runtime. Pipeline-stage rejections are values, never these errors;
// Kind is reserved for infrastructure and protocol failures that may
// propagate upward and, for InvariantViolation, halt the process.
package errkind

import "fmt"

// Kind enumerates the error taxonomy from the runtime's error handling
// design. Classification determines whether a caller may retry.
type Kind string

const (
	AuthFailed            Kind = "AuthFailed"
	InvalidSignature      Kind = "InvalidSignature"
	GenesisMismatch       Kind = "GenesisMismatch"
	UnknownCapsule        Kind = "UnknownCapsule"
	StalePulse            Kind = "StalePulse"
	CircuitOpen           Kind = "CircuitOpen"
	BudgetExceeded        Kind = "BudgetExceeded"
	LatencyBudgetExceeded Kind = "LatencyBudgetExceeded"
	Rejected              Kind = "Rejected"
	SandboxEscape         Kind = "SandboxEscape"
	InvariantViolation    Kind = "InvariantViolation"
	AuditAppendFailed     Kind = "AuditAppendFailed"
	CancelledByTimeout    Kind = "CancelledByTimeout"
	Overloaded            Kind = "Overloaded"
	ConfirmationRequired  Kind = "ConfirmationRequired"

	// Vault-specific, per §4.1.
	IdUnknown           Kind = "IdUnknown"
	IdAlreadyTerminated Kind = "IdAlreadyTerminated"
	IdAlreadyRegistered Kind = "IdAlreadyRegistered"
	SignatureInvalid    Kind = "SignatureInvalid"

	// Override-specific, per §4.10.
	InsufficientAuthorization Kind = "InsufficientAuthorization"
	UnknownCommand            Kind = "UnknownCommand"
	TargetNotFound            Kind = "TargetNotFound"
)

// Retryable reports whether a caller may reasonably retry the operation
// that produced this kind, mirroring the retryable/non-retryable split
// the runtime carries through its whole error taxonomy.
func (k Kind) Retryable() bool {
	switch k {
	case Overloaded, CircuitOpen, LatencyBudgetExceeded, CancelledByTimeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind, left unhandled, must halt the process
// (exit code 20).
func (k Kind) Fatal() bool {
	return k == InvariantViolation
}

// Error is a typed error carrying a Kind plus contextual detail. It never
// wraps a pipeline outcome — those are values in package pipeline.
type Error struct {
	Kind    Kind
	Op      string
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an *Error.
func New(op string, kind Kind, detail string) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Detail: err.Error(), Wrapped: err}
}

// Is allows errors.Is(err, SomeKind) style matching against a Kind by
// comparing the typed error's Kind field.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
