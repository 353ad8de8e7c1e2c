package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// AlertHandler exposes the delivery history over HTTP.
type AlertHandler struct {
	dispatcher *AlertDispatcher
}

func NewAlertHandler(d *AlertDispatcher) *AlertHandler {
	return &AlertHandler{dispatcher: d}
}

// RegisterRoutes registers read routes on read and the retry route on write.
func (h *AlertHandler) RegisterRoutes(read, write *echo.Group) {
	read.GET("/alerts", h.HandleList)
	read.GET("/alerts/stats", h.HandleStats)
	read.GET("/alerts/:id", h.HandleGet)
	write.POST("/alerts/:id/retry", h.HandleRetry)
}

// HandleList handles GET /alerts?status=failed&limit=20.
func (h *AlertHandler) HandleList(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n > DefaultHistorySize {
			n = DefaultHistorySize
		}
		limit = n
	}
	status := c.QueryParam("status")
	if status != "" && status != StatusSent && status != StatusFailed {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be sent or failed")
	}
	return c.JSON(http.StatusOK, h.dispatcher.Recent(limit, status))
}

func (h *AlertHandler) HandleGet(c echo.Context) error {
	d, err := h.dispatcher.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (h *AlertHandler) HandleRetry(c echo.Context) error {
	d, err := h.dispatcher.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrDeliveryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		// The attempt was made and recorded; report the updated delivery.
		return c.JSON(http.StatusBadGateway, d)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *AlertHandler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
