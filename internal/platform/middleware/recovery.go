package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deptqueue/internal/platform/auth"
	"github.com/ehr/deptqueue/pkg/apperr"
)

const maxPanicStack = 8 << 10

// Recovery turns a handler panic into a 500 carrying the standard error body.
// A panic inside a queue mutation happens before the partition publishes, so
// the queue itself is left as it was.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				stack := make([]byte, maxPanicStack)
				stack = stack[:runtime.Stack(stack, false)]
				rid, _ := c.Get("request_id").(string)
				req := c.Request()

				logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("route", c.Path()).
					Str("user_id", auth.UserIDFromContext(req.Context())).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, apperr.Body{
					Error: http.StatusText(http.StatusInternalServerError),
					Kind:  apperr.KindInternal,
				})
			}()
			return next(c)
		}
	}
}
