package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deptqueue/internal/platform/auth"
)

// AuditEntry records one staff action against the queue API.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Action     string
	Resource   string
	ResourceID string
	Method     string
	Path       string
	StatusCode int
	RequestID  string
}

// Audit logs every state-changing /api/v1 request after it completes, with
// the caller taken from the auth context. Reads are not audited.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions ||
				!strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, err)
			evt := logger.Info()
			if entry.StatusCode >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "queue_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Int("status", entry.StatusCode).
				Msg("audit")
			return err
		}
	}
}

func buildAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AuditEntry{
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: c.Response().Status,
		ResourceID: c.Param("id"),
	}
	if he, ok := err.(*echo.HTTPError); ok {
		entry.StatusCode = he.Code
	}
	if rid, ok := c.Get("request_id").(string); ok {
		entry.RequestID = rid
	}
	entry.Resource, entry.Action = auditTarget(strings.TrimPrefix(req.URL.Path, "/api/v1/"), req.Method)
	return entry
}

// auditTarget derives the resource and action from a path such as
// "queue-entries/<id>/skip" or "departments/<id>/queue/call-next".
func auditTarget(path, method string) (resource, action string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	resource = parts[0]
	if len(parts) > 2 {
		return resource, parts[len(parts)-1]
	}
	switch method {
	case http.MethodPost:
		return resource, "create"
	case http.MethodPut, http.MethodPatch:
		return resource, "update"
	case http.MethodDelete:
		return resource, "delete"
	}
	return resource, strings.ToLower(method)
}
