package department

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/deptqueue/internal/platform/auth"
	"github.com/ehr/deptqueue/pkg/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleTriageNurse, auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician))
	read.GET("/departments", h.ListDepartments)
	read.GET("/departments/:id", h.GetDepartment)
}

// ListDepartments handles GET /departments. Inactive departments are included
// only with ?include_inactive=true.
func (h *Handler) ListDepartments(c echo.Context) error {
	includeInactive := false
	if v := c.QueryParam("include_inactive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "include_inactive must be a boolean")
		}
		includeInactive = b
	}
	depts, err := h.svc.ListDepartments(c.Request().Context(), !includeInactive)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if depts == nil {
		depts = []*Department{}
	}
	return c.JSON(http.StatusOK, depts)
}

// GetDepartment accepts either a department id or its code.
func (h *Handler) GetDepartment(c echo.Context) error {
	ctx := c.Request().Context()
	param := c.Param("id")

	var (
		d   *Department
		err error
	)
	if id, perr := uuid.Parse(param); perr == nil {
		d, err = h.svc.GetDepartment(ctx, id)
	} else {
		d, err = h.svc.GetDepartmentByCode(ctx, param)
	}
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}
