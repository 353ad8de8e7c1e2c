// Package apperr classifies domain errors so the HTTP layer can map them to a
// status code without re-deriving what went wrong.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the coarse category of a domain error.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindInternal    Kind = "internal"
)

// Kinded is implemented by every typed domain error.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf walks the error chain and returns the kind of the first typed error
// found, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code returned to API clients.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type sentinel struct {
	kind Kind
	msg  string
}

func (e *sentinel) Error() string { return e.msg }
func (e *sentinel) Kind() Kind    { return e.kind }

// New returns a kinded sentinel error for use with errors.Is.
func New(k Kind, msg string) error {
	return &sentinel{kind: k, msg: msg}
}

// FieldError reports a missing or malformed request field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string     { return e.Field + " " + e.Reason }
func (e *FieldError) Kind() Kind        { return KindValidation }
func (e *FieldError) FieldName() string { return e.Field }
