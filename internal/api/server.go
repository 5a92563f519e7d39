// Package api is the HTTP boundary: workflow management, manual runs,
// trigger management, execution history with live event streams, the cron
// scan endpoint and inbound webhooks.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/internal/trigger"
	"github.com/rendis/toolflow/pkg/schema"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Deps holds the collaborators the handlers use.
type Deps struct {
	Store      store.Store
	Validator  engine.DefinitionValidator
	Dispatcher *trigger.Dispatcher
	Scanner    *trigger.Scanner
	Webhooks   *trigger.WebhookReceiver
	Schedules  *trigger.Schedules
	Hub        streaming.EventHub
	// CronSecret, when set, must be presented as "Bearer <secret>" to the
	// cron endpoint.
	CronSecret string
	Logger     *slog.Logger
}

// Server serves the toolflow HTTP API.
type Server struct {
	deps Deps
	e    *echo.Echo
	now  func() time.Time
}

// NewServer builds the echo instance and registers every route.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{deps: deps, e: e, now: func() time.Time { return time.Now().UTC() }}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("toolflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			level := slog.LevelDebug
			if v.Error != nil {
				level = slog.LevelWarn
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			deps.Logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.e.Group("/api")

	api.GET("/workflows", s.listWorkflows)
	api.POST("/workflows", s.createWorkflow)
	api.GET("/workflows/:id", s.getWorkflow)
	api.PUT("/workflows/:id", s.updateWorkflow)
	api.DELETE("/workflows/:id", s.deleteWorkflow)
	api.POST("/workflows/:id/execute", s.executeWorkflow)
	api.GET("/workflows/:id/diagram", s.workflowDiagram)

	api.GET("/workflows/:id/schedule", s.getSchedule)
	api.POST("/workflows/:id/schedule", s.setSchedule)
	api.DELETE("/workflows/:id/schedule", s.deleteSchedule)

	api.GET("/executions", s.listExecutions)
	api.GET("/executions/:id", s.getExecution)
	api.GET("/executions/:id/events", s.streamExecutionEvents)

	api.GET("/cron", s.runCron)
	api.POST("/cron", s.runCron)
	api.POST("/webhooks/:token", s.receiveWebhook)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.deps.Logger.Info("http server listening", slog.String("addr", addr))
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeDisabled, schema.ErrCodeCycleDetected, schema.ErrCodeDanglingEdge:
		return http.StatusBadRequest
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: http.StatusText(status)}

	var he *echo.HTTPError
	var fe *schema.FlowError
	switch {
	case errors.As(err, &fe):
		status = StatusFor(fe.Code)
		body = errorBody{Error: fe.Message, Code: fe.Code, Details: fe.Details}
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(status)
		}
	}

	if status >= http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(c.Request().Context(), "request failed",
			slog.String("path", c.Path()),
			slog.String("error", err.Error()))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func badRequest(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}
