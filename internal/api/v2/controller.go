// Package api implements the /api/v2 HTTP endpoints: active alerts, alert
// history, dismissal, notification channel checks and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hydrowatch/hydrowatch/internal/datastore/repository"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
	"github.com/hydrowatch/hydrowatch/internal/notification"
	"github.com/hydrowatch/hydrowatch/internal/observability"
)

// Dismisser archives an active alert on behalf of an operator.
type Dismisser interface {
	Dismiss(ctx context.Context, alertID, reason, actor string) error
}

// ChannelTester lists notification channels and sends test messages.
type ChannelTester interface {
	Channels() []notification.ChannelInfo
	SendTest(ctx context.Context, name string, now time.Time) ([]notification.DeliveryResult, error)
}

// Dependencies wires the controller. Channels, Health, HostStats and
// Transitions are optional. Without Transitions there is no stream route.
type Dependencies struct {
	Alerts      repository.AlertRepository
	Dismisser   Dismisser
	Channels    ChannelTester
	Health      func(ctx context.Context) error
	HostStats   func(ctx context.Context) (*observability.HostStats, error)
	Transitions TransitionSource
	Clock       func() time.Time
	Log         logger.Logger
}

// Controller holds the handlers of the /api/v2 group.
type Controller struct {
	Group *echo.Group

	alerts    repository.AlertRepository
	dismisser Dismisser
	channels  ChannelTester
	health    func(ctx context.Context) error
	hostStats func(ctx context.Context) (*observability.HostStats, error)
	stream    *streamHub
	clock     func() time.Time
	logger    logger.Logger
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// New registers the /api/v2 routes on e.
func New(e *echo.Echo, deps Dependencies) *Controller {
	log := deps.Log
	if log == nil {
		log = logger.Global()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Controller{
		Group:     e.Group("/api/v2"),
		alerts:    deps.Alerts,
		dismisser: deps.Dismisser,
		channels:  deps.Channels,
		health:    deps.Health,
		hostStats: deps.HostStats,
		clock:     clock,
		logger:    log.Module("api"),
	}
	if deps.Transitions != nil {
		c.stream = newStreamHub(streamReplayBytes, c.logger)
		deps.Transitions.Subscribe(c.stream.publish)
	}

	c.Group.GET("/health", c.Health)
	c.initAlertRoutes()
	c.initNotificationRoutes()
	return c
}

// Close disconnects transition stream clients. The HTTP server does not
// track hijacked connections, so it calls this before shutting down.
func (c *Controller) Close() {
	if c.stream != nil {
		c.stream.close()
	}
}

// Health reports whether the store answers, plus host resource usage when
// available. Host stats never fail the check.
func (c *Controller) Health(ctx echo.Context) error {
	resp := map[string]any{
		"status": "ok",
		"time":   c.clock().UTC(),
	}
	if c.hostStats != nil {
		if stats, err := c.hostStats(ctx.Request().Context()); err != nil {
			c.logger.Warn("failed to collect host stats", logger.Error(err))
		} else {
			resp["host"] = stats
		}
	}
	if c.health != nil {
		if err := c.health(ctx.Request().Context()); err != nil {
			c.logErrorIfEnabled("health check failed", logger.Error(err))
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
			return ctx.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return ctx.JSON(http.StatusOK, resp)
}

// HandleError writes an ErrorResponse with a correlation ID that is also
// logged, so a user report can be matched to the log line.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	correlationID := uuid.NewString()[:8]
	c.logErrorIfEnabled(message,
		logger.Error(err),
		logger.Int("status", code),
		logger.String("path", ctx.Path()),
		logger.String("correlation_id", correlationID))
	return ctx.JSON(code, ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: correlationID,
	})
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryTransient, errors.CategoryDatabase:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (c *Controller) logErrorIfEnabled(msg string, fields ...logger.Field) {
	if c.logger != nil {
		c.logger.Error(msg, fields...)
	}
}

func (c *Controller) logInfoIfEnabled(msg string, fields ...logger.Field) {
	if c.logger != nil {
		c.logger.Info(msg, fields...)
	}
}
