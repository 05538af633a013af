package apperr

import (
	"errors"
	"fmt"
)

// Stable error kinds. Callers compare with errors.Is; the wrapped cause is
// kept for logging only.
var (
	ErrValidation           = errors.New("validation failed")
	ErrUnresolvableZone     = errors.New("no delivery zone serves this area")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrPersistence          = errors.New("persistence failure")
	ErrInvalidTransition    = errors.New("invalid order status transition")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrNotRegisteredAsAdmin = errors.New("account is not registered as an administrator")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("concurrent modification")
)

// Error carries the operation and kind of a failure, plus the offending
// field for validation failures.
type Error struct {
	Op    string // e.g. "orders.Create"
	Kind  error  // one of the Err* kinds above
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// New wraps err with a kind.
func New(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Invalid builds a validation error for a single field.
func Invalid(op, field, reason string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Field: field, Err: errors.New(reason)}
}

// Persistence wraps a backing store failure.
func Persistence(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrPersistence, Err: err}
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// KindOf returns the kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrUnresolvableZone, ErrEmptyCart, ErrPersistence,
		ErrInvalidTransition, ErrInvalidCredentials, ErrNotRegisteredAsAdmin,
		ErrNotFound, ErrConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
