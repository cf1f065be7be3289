package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nfrund/dmsync/internal/chatrequest"
	"github.com/nfrund/dmsync/internal/config"
	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/nfrund/dmsync/internal/handlers"
	"github.com/nfrund/dmsync/internal/middleware"
	"github.com/nfrund/dmsync/internal/presence"
	"github.com/nfrund/dmsync/internal/websocket"
)

// requestRateLimit caps mutating API calls per client IP.
const requestRateLimit = 5

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	IsHealthy() bool
}

// MessageStore is the message store the sessions write through and the
// HTTP API reads from.
type MessageStore interface {
	conversation.MessageStore
	handlers.MessageReader
}

// Dependencies holds the services the HTTP surface is built on.
type Dependencies struct {
	Cfg          config.Provider
	Directory    conversation.Directory
	Store        MessageStore
	ChatRequests *chatrequest.Service
	Presence     *presence.Service
	Bridge       *websocket.Bridge

	// Registerer and Gatherer back the HTTP metrics middleware and /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// DB is nil for the memory backend.
	DB HealthChecker

	// OnShutdown runs in order once HTTP traffic and WebSocket clients have stopped.
	OnShutdown []func(context.Context) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E    *echo.Echo
	Cfg  config.Provider
	deps Dependencies
}

// New creates a new Server instance.
func New(deps Dependencies) *Server {
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()
	setupErrorHandling(e)

	e.Use(echomw.RequestID())
	e.Use(middleware.Logger)
	e.Use(echomw.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "dmsync",
		Registerer: deps.Registerer,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}))

	return &Server{E: e, Cfg: deps.Cfg, deps: deps}
}

// setupErrorHandling installs the JSON error handler. Domain errors map to
// their HTTP status; anything unrecognised is logged with a stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(handlers.HTTPError(err), &he) {
			middleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
				"error", err,
				"method", c.Request().Method,
				"path", c.Path(),
				"stack_trace", string(debug.Stack()),
			)
			he = echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
		if he.Internal != nil {
			middleware.FromContext(c.Request().Context()).Debug("HTTP error", "status", he.Code, "internal", he.Internal)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(he.Code)
			return
		}
		_ = c.JSON(he.Code, handlers.ErrorResponse{
			Code:    errorCode(he.Code),
			Message: fmt.Sprint(he.Message),
		})
	}
}

// errorCode turns a status into a snake_case code, e.g. 404 -> "not_found".
func errorCode(status int) string {
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}
