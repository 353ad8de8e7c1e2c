package scheduler

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/deptqueue/internal/domain/queue"
	"github.com/ehr/deptqueue/internal/domain/triage"
	"github.com/ehr/deptqueue/internal/platform/auth"
	"github.com/ehr/deptqueue/pkg/apperr"
	"github.com/ehr/deptqueue/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Queue boards are visible to every clinical role and to viewers.
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleTriageNurse, auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician))
	read.GET("/departments/:id/queue", h.GetQueue)
	read.GET("/departments/:id/queue/wait-estimate", h.EstimateWait)
	read.GET("/queue-entries/:id", h.GetEntry)

	clinical := api.Group("", auth.RequireRole(auth.RoleTriageNurse, auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician))
	clinical.GET("/triage-assessments/:id", h.GetAssessment)
	clinical.GET("/patients/:id/triage-assessments", h.ListAssessmentsByPatient)

	intake := api.Group("", auth.RequireRole(auth.RoleTriageNurse, auth.RoleChargeNurse, auth.RolePhysician))
	intake.POST("/triage", h.PerformTriage)

	floor := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleChargeNurse, auth.RolePhysician))
	floor.POST("/departments/:id/queue/call-next", h.CallNext)
	floor.POST("/queue-entries/:id/complete", h.Complete)
	floor.POST("/queue-entries/:id/skip", h.Skip)

	desk := api.Group("", auth.RequireRole(auth.RoleTriageNurse, auth.RoleChargeNurse))
	desk.POST("/queue-entries/:id/cancel", h.Cancel)

	charge := api.Group("", auth.RequireRole(auth.RoleChargeNurse))
	charge.PUT("/queue-entries/:id/position", h.Reposition)
	charge.POST("/departments/:id/queue/reprioritize", h.Reprioritize)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.ToHTTP(&triage.ValidationError{Field: "id", Reason: "must be a UUID"})
	}
	return id, nil
}

type triageResponse struct {
	Assessment *triage.Assessment `json:"assessment"`
	Entry      *queue.Entry       `json:"entry"`
}

// PerformTriage handles POST /triage. The assessor defaults to the caller.
func (h *Handler) PerformTriage(c echo.Context) error {
	var in triage.AssessmentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if in.AssessedBy == "" {
		in.AssessedBy = auth.UserIDFromContext(c.Request().Context())
	}
	a, e, err := h.svc.PerformTriage(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, triageResponse{Assessment: a, Entry: e})
}

func (h *Handler) GetQueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.QueueStatus(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, view)
}

type callNextRequest struct {
	StaffID string `json:"staff_id"`
}

// CallNext handles POST /departments/:id/queue/call-next. An empty body
// assigns the patient to the caller.
func (h *Handler) CallNext(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req callNextRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	staff := strings.TrimSpace(req.StaffID)
	if staff == "" {
		staff = auth.UserIDFromContext(c.Request().Context())
	}
	e, err := h.svc.CallNext(c.Request().Context(), id, staff)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Reprioritize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	waiting, err := h.svc.ReprioritizeDepartment(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"department_id": id, "waiting": waiting})
}

// EstimateWait handles GET /departments/:id/queue/wait-estimate?urgency=RED.
func (h *Handler) EstimateWait(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	u, err := triage.ParseUrgency(c.QueryParam("urgency"))
	if err != nil {
		return apperr.ToHTTP(&triage.ValidationError{Field: "urgency", Reason: "must be RED, YELLOW or GREEN"})
	}
	est, err := h.svc.EstimateWait(c.Request().Context(), id, u)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, est)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetEntry(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.CompletePatient(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c echo.Context) (string, error) {
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return "", apperr.ToHTTP(&triage.ValidationError{Field: "reason", Reason: "is required"})
	}
	return reason, nil
}

func (h *Handler) Skip(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reason, err := bindReason(c)
	if err != nil {
		return err
	}
	e, err := h.svc.SkipPatient(c.Request().Context(), id, reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reason, err := bindReason(c)
	if err != nil {
		return err
	}
	e, err := h.svc.CancelEntry(c.Request().Context(), id, reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

type positionRequest struct {
	Position *int `json:"position"`
}

// Reposition handles PUT /queue-entries/:id/position. The caller is recorded
// as the override actor.
func (h *Handler) Reposition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req positionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Position == nil {
		return apperr.ToHTTP(&triage.ValidationError{Field: "position", Reason: "is required"})
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	e, err := h.svc.ManualReposition(c.Request().Context(), id, *req.Position, actor)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetAssessment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAssessment(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAssessmentsByPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAssessmentsByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*triage.Assessment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks("/api/v1/patients/"+id.String()+"/triage-assessments"))
}
