package transit

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrOutOfServiceArea = errors.New("out of service area")
	ErrNoNearbyRoute    = errors.New("no nearby route")
	ErrNoRouteFound     = errors.New("no route found")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrConflict         = errors.New("conflict")
	ErrInternal         = errors.New("internal error")
)

// Error carries a caller-facing message together with its kind.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Message returns the caller-facing message of err. Errors that are not
// *Error are treated as internal and their detail is not exposed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Error interno del servidor"
}
