// Package apperr models the closed error-kind taxonomy as typed errors
// inspectable with errors.As, since the boundary mapping (JSON-RPC vs HTTP)
// needs to dispatch on kind, not on message text.
package apperr

import "fmt"

// Kind is one of the abstract error kinds used across the core.
type Kind string

const (
	KindParameterValidation      Kind = "ParameterValidation"
	KindEntityTypeNotFound       Kind = "EntityTypeNotFound"
	KindEntityNotFound           Kind = "EntityNotFound"
	KindSnapshotNotFound         Kind = "SnapshotNotFound"
	KindEntityDeleted            Kind = "EntityDeleted"
	KindEntityTypeAlreadyExists  Kind = "EntityTypeAlreadyExists"
	KindToolNotFound             Kind = "ToolNotFound"
	KindToolExecution            Kind = "ToolExecution"
	KindInvalidURI               Kind = "InvalidUri"
	KindInvalidStubPath          Kind = "InvalidStubPath"
	KindMissingInstanceName      Kind = "MissingInstanceName"
	KindMultipleBindingsFound    Kind = "MultipleBindingsFound"
	KindIdentityConflict         Kind = "IdentityConflict"
	KindEnvelopeVersionMismatch  Kind = "EnvelopeVersionMismatch"
	KindBaselineStale            Kind = "BaselineStale"
	KindInitializationRequired   Kind = "InitializationRequired"
)

// Error is a domain error carrying one of the Kind values above. Handlers
// never rewrite an Error they didn't create — it propagates unchanged to
// whichever boundary (JSON-RPC, HTTP) maps Kind to a wire error shape.
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

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

// As finds the first *Error in err's Unwrap chain, if any — used at
// boundaries (the tool registry, the JSON-RPC dispatcher) that must
// propagate a domain error unchanged but wrap anything else.
func As(err error) (*Error, bool) {
	var e *Error
	ok := asError(err, &e)
	return e, ok
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
