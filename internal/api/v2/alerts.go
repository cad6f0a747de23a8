package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// DismissRequest is the body of POST /alerts/:id/dismiss.
type DismissRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// initAlertRoutes registers alert endpoints.
func (c *Controller) initAlertRoutes() {
	alerts := c.Group.Group("/alerts")

	alerts.GET("", c.ListActiveAlerts)
	alerts.GET("/catalog", c.GetAlertCatalog)
	alerts.GET("/history", c.ListAlertHistory)
	alerts.GET("/history/:id", c.GetAlertHistory)
	alerts.GET("/:id", c.GetAlert)
	alerts.POST("/:id/dismiss", c.DismissAlert)
	if c.stream != nil {
		alerts.GET("/stream", c.StreamTransitions)
	}
}

// GetAlertCatalog returns the alertable metrics and enumerations for the UI.
func (c *Controller) GetAlertCatalog(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, alerting.GetSchema())
}

// ListActiveAlerts returns active alerts, optionally filtered by sensor,
// alert type and severity.
func (c *Controller) ListActiveAlerts(ctx echo.Context) error {
	filter := repository.ActiveAlertFilter{
		SensorID: strings.TrimSpace(ctx.QueryParam("sensor_id")),
	}
	if v := ctx.QueryParam("alert_type"); v != "" {
		filter.AlertType = entities.AlertType(v)
		if !filter.AlertType.Valid() {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid alert_type"})
		}
	}
	if v := ctx.QueryParam("severity"); v != "" {
		filter.Severity = entities.Severity(v)
		if !filter.Severity.Valid() {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid severity"})
		}
	}

	alerts, err := c.alerts.ListActive(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list active alerts", http.StatusInternalServerError)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert returns a single active alert.
func (c *Controller) GetAlert(ctx echo.Context) error {
	id := ctx.Param("id")
	alert, err := c.alerts.GetActive(ctx.Request().Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Alert not found"})
		}
		return c.HandleError(ctx, err, "Failed to get alert", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, alert)
}

// ListAlertHistory returns paginated resolved and dismissed alerts, newest
// first.
func (c *Controller) ListAlertHistory(ctx echo.Context) error {
	filter := repository.AlertHistoryFilter{
		SensorID: strings.TrimSpace(ctx.QueryParam("sensor_id")),
		Limit:    defaultHistoryLimit,
	}
	if v := ctx.QueryParam("alert_type"); v != "" {
		filter.AlertType = entities.AlertType(v)
		if !filter.AlertType.Valid() {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid alert_type"})
		}
	}
	if v := ctx.QueryParam("resolution_type"); v != "" {
		filter.ResolutionType = entities.ResolutionType(v)
		if !filter.ResolutionType.Valid() {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid resolution_type"})
		}
	}
	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		v, err := strconv.Atoi(limitParam)
		if err == nil && v > 0 {
			filter.Limit = min(v, maxHistoryLimit)
		}
	}
	if offsetParam := ctx.QueryParam("offset"); offsetParam != "" {
		v, err := strconv.Atoi(offsetParam)
		if err == nil && v >= 0 {
			filter.Offset = v
		}
	}

	items, total, err := c.alerts.ListHistory(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list alert history", http.StatusInternalServerError)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"history": items,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// GetAlertHistory returns the archive of an alert by its alert ID.
func (c *Controller) GetAlertHistory(ctx echo.Context) error {
	h, err := c.alerts.GetHistoryByAlertID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrHistoryNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Alert history not found"})
		}
		return c.HandleError(ctx, err, "Failed to get alert history", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, h)
}

// DismissAlert archives an active alert as manually dismissed.
func (c *Controller) DismissAlert(ctx echo.Context) error {
	id := ctx.Param("id")

	var req DismissRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if strings.TrimSpace(req.Actor) == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Actor is required"})
	}

	if err := c.dismisser.Dismiss(ctx.Request().Context(), id, req.Reason, req.Actor); err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusNotFound:
			return ctx.JSON(status, map[string]string{"error": "Alert not found"})
		case http.StatusConflict:
			return ctx.JSON(status, map[string]string{"error": "Alert is no longer active"})
		case http.StatusBadRequest:
			return ctx.JSON(status, map[string]string{"error": err.Error()})
		}
		return c.HandleError(ctx, err, "Failed to dismiss alert", status)
	}

	c.logInfoIfEnabled("alert dismissed via api",
		logger.String("alert_id", id),
		logger.String("actor", req.Actor),
		logger.String("remote_ip", ctx.RealIP()))
	return ctx.NoContent(http.StatusNoContent)
}
