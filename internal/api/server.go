// Package api hosts the HTTP server: the /api/v2 controller, its transition
// stream and the Prometheus /metrics endpoint.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/netutil"

	apiv2 "github.com/hydrowatch/hydrowatch/internal/api/v2"
	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/errors"
	"github.com/hydrowatch/hydrowatch/internal/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 30 * time.Second
	defaultBodyLimit  = "64K"

	// streamPath serves long-lived websocket connections and is exempt from
	// the request timeout.
	streamPath = "/api/v2/alerts/stream"
)

// Server serves the API until Shutdown.
type Server struct {
	echo     *echo.Echo
	settings conf.APISettings
	log      logger.Logger

	Controller *apiv2.Controller
}

// NewServer builds the echo instance and registers every route. metrics may
// be nil.
func NewServer(settings conf.APISettings, deps apiv2.Dependencies, metrics http.Handler, log logger.Logger) *Server {
	log = log.Module("http")
	deps.Log = log

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = readHeaderTimeout

	bodyLimit := settings.BodyLimit
	if bodyLimit == "" {
		bodyLimit = defaultBodyLimit
	}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
		Skipper: func(c echo.Context) bool { return c.Path() == streamPath },
		Timeout: requestTimeout,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	}))

	s := &Server{echo: e, settings: settings, log: log}
	s.Controller = apiv2.New(e, deps)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound. With MaxConnections set, further
// connections wait in the accept queue.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.settings.Listen)
	if err != nil {
		return errors.Newf("failed to listen on %s: %w", s.settings.Listen, err).
			Component("http").
			Category(errors.CategoryNetwork).
			Build()
	}
	if s.settings.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.settings.MaxConnections)
	}
	s.echo.Listener = ln

	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logger.Error(err))
		}
	}()
	s.log.Info("http server listening", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.echo.Listener == nil {
		return ""
	}
	return s.echo.Listener.Addr().String()
}

// Shutdown disconnects stream clients, stops accepting connections and
// waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Controller.Close()
	if err := s.echo.Shutdown(ctx); err != nil {
		return errors.Newf("http shutdown: %w", err).
			Component("http").
			Category(errors.CategorySystem).
			Build()
	}
	return nil
}
