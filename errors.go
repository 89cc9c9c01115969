package metadex

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the contract it violated.
type Kind string

const (
	// KindSchema reports a malformed or conflicting table layout.
	KindSchema Kind = "SCHEMA"
	// KindInterval reports a negative or overlapping validity interval.
	KindInterval Kind = "INTERVAL"
	// KindLookup reports a reference to an entity, key, file, or loader
	// that does not exist.
	KindLookup Kind = "LOOKUP"
	// KindMissingParameter reports a query or insertion attempted without
	// a value for a declared column.
	KindMissingParameter Kind = "MISSING_PARAMETER"
	// KindShape reports rows whose arity disagrees with their key set.
	KindShape Kind = "SHAPE"
	// KindCollision reports key names that became ambiguous, typically
	// after prefix stripping.
	KindCollision Kind = "COLLISION"
	// KindAmbiguousMatch reports index criteria matched by more than one
	// entry.
	KindAmbiguousMatch Kind = "AMBIGUOUS_MATCH"
	// KindNotBound reports an operation on an index with no scheme bound.
	KindNotBound Kind = "NOT_BOUND"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain.
// Returns empty string if the chain contains no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel targets for errors.Is checks against a kind alone.
var (
	ErrSchema           = New(KindSchema, "schema constraint violated")
	ErrInterval         = New(KindInterval, "invalid validity interval")
	ErrLookup           = New(KindLookup, "no such item")
	ErrMissingParameter = New(KindMissingParameter, "required parameter missing")
	ErrShape            = New(KindShape, "row shape mismatch")
	ErrCollision        = New(KindCollision, "key collision")
	ErrAmbiguousMatch   = New(KindAmbiguousMatch, "criteria matched more than one entry")
	ErrNotBound         = New(KindNotBound, "no scheme bound")
)
