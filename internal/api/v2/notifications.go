package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/hydrowatch/hydrowatch/internal/logger"
)

// Test sends reach real people, so they are limited per client.
const (
	testSendRate   = rate.Limit(1.0 / 10) // one every 10 seconds
	testSendBurst  = 3
	testSendExpiry = 10 * time.Minute
	testSendWindow = 30 * time.Second
)

// initNotificationRoutes registers notification channel endpoints. They are
// absent when no channel registry is wired.
func (c *Controller) initNotificationRoutes() {
	if c.channels == nil {
		return
	}

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      testSendRate,
				Burst:     testSendBurst,
				ExpiresIn: testSendExpiry,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusForbidden, map[string]string{"error": "Unable to identify client"})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many test notifications, please wait before trying again",
			})
		},
	}

	notifications := c.Group.Group("/notifications")
	notifications.GET("/channels", c.ListChannels)
	notifications.POST("/channels/:name/test", c.TestChannel, middleware.RateLimiterWithConfig(rateLimiterConfig))
}

// ListChannels returns the configured notification channels.
func (c *Controller) ListChannels(ctx echo.Context) error {
	channels := c.channels.Channels()
	return ctx.JSON(http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

// TestChannel sends a sample notification through one channel and reports
// the outcome per recipient.
func (c *Controller) TestChannel(ctx echo.Context) error {
	name := ctx.Param("name")

	sendCtx, cancel := context.WithTimeout(ctx.Request().Context(), testSendWindow)
	defer cancel()

	results, err := c.channels.SendTest(sendCtx, name, c.clock())
	if err != nil {
		if status := statusFor(err); status == http.StatusNotFound {
			return ctx.JSON(status, map[string]string{"error": "Notification channel not found"})
		}
		return c.HandleError(ctx, err, "Failed to send test notification", http.StatusInternalServerError)
	}

	delivered := 0
	for _, r := range results {
		if r.Delivered {
			delivered++
		}
	}
	c.logInfoIfEnabled("test notification sent",
		logger.String("channel", name),
		logger.Int("recipients", len(results)),
		logger.Int("delivered", delivered))

	return ctx.JSON(http.StatusOK, map[string]any{
		"channel":   name,
		"results":   results,
		"delivered": delivered,
	})
}
