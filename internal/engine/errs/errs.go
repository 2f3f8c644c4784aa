// Package errs defines the abstract error kinds shared across every engine
// component, per spec.md §7 (ERROR HANDLING DESIGN). Components return a
// *Error wrapping one of these kinds instead of a bare error, so a future
// HTTP layer can classify failures without string matching, following the
// donor's storage.StorageError/Unwrap/IsNotExist pattern.
package errs

import "errors"

// Kind is one of the five abstract error kinds from spec.md §7.
type Kind string

const (
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	TransientIO Kind = "transient_io"
	FatalIO     Kind = "fatal_io"
	Cancelled   Kind = "cancelled"
)

// Error wraps an underlying error with an abstract Kind and the component
// operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind, for use with errors.Is
// against the sentinel-like Kind values below.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool    { return Is(err, NotFound) }
func IsConflict(err error) bool    { return Is(err, Conflict) }
func IsTransient(err error) bool   { return Is(err, TransientIO) }
func IsFatal(err error) bool       { return Is(err, FatalIO) }
func IsCancelled(err error) bool   { return Is(err, Cancelled) }
