package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/deptqueue/pkg/apperr"
)

// RequestTimeout bounds each request's context. A handler still running at
// the deadline gets a 504 written for it; the queue store honours the
// cancelled context and discards the half-built mutation.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if longLived(c.Request().URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(apperr.HTTPStatus(apperr.KindTimeout), apperr.Body{
					Error: "request processing exceeded " + timeout.String(),
					Kind:  apperr.KindTimeout,
				})
			}
		}
	}
}

// longLived reports paths that hold the connection open, i.e. the websocket
// upgrade.
func longLived(path string) bool {
	return path == "/ws" || strings.HasPrefix(path, "/ws/")
}
