package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Body is the JSON error payload returned by the API.
type Body struct {
	Error    string `json:"error"`
	Kind     Kind   `json:"kind"`
	Field    string `json:"field,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

type fieldNamer interface{ FieldName() string }
type entityIdentifier interface{ EntityID() string }

// BodyOf builds the payload for err, pulling the field or entity id from the
// first error in the chain that exposes one.
func BodyOf(err error) Body {
	b := Body{Error: err.Error(), Kind: KindOf(err)}
	var f fieldNamer
	if errors.As(err, &f) {
		b.Field = f.FieldName()
	}
	var e entityIdentifier
	if errors.As(err, &e) {
		b.EntityID = e.EntityID()
	}
	if b.Kind == KindInternal {
		b.Error = http.StatusText(http.StatusInternalServerError)
	}
	return b
}

// ToHTTP converts a domain error into an echo error carrying Body. Untyped
// errors become 500 with the cause kept as the internal error for logging.
func ToHTTP(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	body := BodyOf(err)
	return echo.NewHTTPError(HTTPStatus(body.Kind), body).SetInternal(err)
}
