// Package apierr defines the closed error taxonomy shared by the HTTP layer
// and the stores. Every user-visible failure is one of these kinds; the HTTP
// layer maps kinds to status codes in exactly one place.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error identifier carried in the JSON error body.
type Kind string

const (
	AuthRequired       Kind = "AuthRequired"
	NotFound           Kind = "NotFound"
	InvalidArgument    Kind = "InvalidArgument"
	Conflict           Kind = "Conflict"
	PreconditionFailed Kind = "PreconditionFailed"
	SubprocessFailed   Kind = "SubprocessFailed"
	SubprocessTimeout  Kind = "SubprocessTimeout"
	Unavailable        Kind = "Unavailable"
	PortsExhausted     Kind = "PortsExhausted"
	AlreadyRunning     Kind = "AlreadyRunning"
	Internal           Kind = "Internal"
)

// Error is a kinded error with an optional details payload.
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps err, preserving errors.Is/As chains.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetails attaches a details payload and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AuthRequired:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case InvalidArgument:
		return http.StatusBadRequest
	case Conflict, AlreadyRunning:
		return http.StatusConflict
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case SubprocessFailed:
		return http.StatusBadGateway
	case SubprocessTimeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
