// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/metrics"
	"github.com/aristath/devpipeline/internal/orchestrator"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/persistence"
	"github.com/aristath/devpipeline/internal/resilience"
	"github.com/aristath/devpipeline/internal/rollback"
	"github.com/aristath/devpipeline/internal/routing"
	"github.com/aristath/devpipeline/internal/scheduler"
	"github.com/aristath/devpipeline/internal/task"
)

// Reloader re-reads the configuration; *config.Manager implements it.
type Reloader interface {
	Reload() (changed bool, err error)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	engine   *orchestrator.Engine
	reloader Reloader
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithReloader enables POST /config/reload.
func WithReloader(r Reloader) Option {
	return func(s *Server) { s.reloader = r }
}

// WithMetrics serves m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server for engine.
func NewServer(engine *orchestrator.Engine, logger *zap.Logger, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{echo: e, engine: engine, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	s.echo.POST("/tasks", s.handleSubmit)
	s.echo.POST("/tasks/batch", s.handleSubmitBatch)
	s.echo.GET("/tasks", s.handleListTasks)
	s.echo.GET("/tasks/:id", s.handleGetTask)
	s.echo.GET("/tasks/:id/history", s.handleHistory)
	s.echo.POST("/tasks/:id/cancel", s.handleCancel)
	s.echo.POST("/tasks/:id/unblock", s.handleUnblock)
	s.echo.POST("/tasks/:id/reroute", s.handleReroute)
	s.echo.POST("/tasks/:id/escalate", s.handleEscalate)
	s.echo.POST("/tasks/:id/rollback", s.handleRollback)

	s.echo.GET("/reviews", s.handleListReviews)
	s.echo.POST("/reviews/:id", s.handleSubmitReview)

	s.echo.GET("/events", s.handleEvents)
	s.echo.POST("/config/reload", s.handleReload)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Tasks  int    `json:"tasks"`
}

// SubmitResponse is the response body for POST /tasks.
type SubmitResponse struct {
	ID string `json:"id"`
}

// BatchRequest is the request body for POST /tasks/batch.
type BatchRequest struct {
	Tasks []task.Task `json:"tasks"`
}

// BatchResponse is the response body for POST /tasks/batch.
type BatchResponse struct {
	IDs []string `json:"ids"`
}

// HistoryResponse is the response body for GET /tasks/:id/history.
type HistoryResponse struct {
	Transitions  []task.Transition        `json:"transitions"`
	Decisions    []task.RoutingDecision   `json:"decisions"`
	GateVerdicts []persistence.GateRecord `json:"gate_verdicts"`
	Stages       []task.StageResult       `json:"stages"`
}

// RerouteRequest is the request body for POST /tasks/:id/reroute.
type RerouteRequest struct {
	Executor task.ExecutorClass `json:"executor"`
	Reason   string             `json:"reason"`
}

// RollbackRequest is the request body for POST /tasks/:id/rollback.
type RollbackRequest struct {
	Detail string `json:"detail"`
}

// ReloadResponse is the response body for POST /config/reload.
type ReloadResponse struct {
	Changed bool `json:"changed"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Tasks: len(s.engine.Tasks())})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var t task.Task
	if err := c.Bind(&t); err != nil {
		s.logger.Warn("invalid task submission", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.engine.SubmitTask(c.Request().Context(), t)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusCreated, SubmitResponse{ID: id})
}

func (s *Server) handleSubmitBatch(c echo.Context) error {
	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid batch submission", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Tasks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "tasks field is required")
	}
	ids, err := s.engine.SubmitBatch(c.Request().Context(), req.Tasks)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusCreated, BatchResponse{IDs: ids})
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks := s.engine.Tasks()
	state := task.State(c.QueryParam("state"))
	if state == "" {
		return c.JSON(http.StatusOK, tasks)
	}
	filtered := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.State == state {
			filtered = append(filtered, t)
		}
	}
	return c.JSON(http.StatusOK, filtered)
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.engine.Task(c.Param("id"))
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleHistory(c echo.Context) error {
	ctx, id := c.Request().Context(), c.Param("id")
	t, err := s.engine.Task(id)
	if err != nil {
		return s.fail(err)
	}
	transitions, err := s.engine.History(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	decisions, err := s.engine.Decisions(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	verdicts, err := s.engine.GateVerdicts(ctx, id)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{
		Transitions:  transitions,
		Decisions:    decisions,
		GateVerdicts: verdicts,
		Stages:       t.StageHistory,
	})
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(err)
	}
	return s.handleGetTask(c)
}

func (s *Server) handleUnblock(c echo.Context) error {
	if err := s.engine.Unblock(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(err)
	}
	return s.handleGetTask(c)
}

func (s *Server) handleReroute(c echo.Context) error {
	var req RerouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}
	d, err := s.engine.Reroute(c.Request().Context(), c.Param("id"), req.Executor, req.Reason)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleEscalate(c echo.Context) error {
	if _, err := s.engine.EscalatePattern(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(err)
	}
	return s.handleGetTask(c)
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := s.engine.Rollback(c.Request().Context(), c.Param("id"), req.Detail)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleListReviews(c echo.Context) error {
	filter := orchestrator.ReviewFilter{Executor: task.ExecutorClass(c.QueryParam("executor"))}
	if filter.Executor != "" && !filter.Executor.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown executor %q", filter.Executor))
	}
	items := s.engine.ListReviewQueue(filter)
	if items == nil {
		items = []orchestrator.ReviewItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleSubmitReview(c echo.Context) error {
	var review orchestrator.Review
	if err := c.Bind(&review); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.engine.SubmitReview(c.Request().Context(), c.Param("id"), review); err != nil {
		return s.fail(err)
	}
	return s.handleGetTask(c)
}

func (s *Server) handleEvents(c echo.Context) error {
	var after uint64
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be a sequence number")
		}
		after = n
	}
	return c.JSON(http.StatusOK, s.engine.Events(after))
}

func (s *Server) handleReload(c echo.Context) error {
	if s.reloader == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "configuration is not file backed")
	}
	changed, err := s.reloader.Reload()
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, ReloadResponse{Changed: changed})
}

// fail maps an engine error onto an HTTP status.
func (s *Server) fail(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrTerminal),
		errors.Is(err, orchestrator.ErrSuspended),
		errors.Is(err, orchestrator.ErrNotReady),
		errors.Is(err, rollback.ErrNoSnapshotAvailable):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrCycleDetected),
		errors.Is(err, scheduler.ErrUnknownDependency),
		errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrInvalidReview),
		errors.Is(err, orchestrator.ErrInvalidExecutor):
		status = http.StatusBadRequest
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, config.ErrInvalidCapacity),
		errors.Is(err, routing.ErrInvalidWeightConfiguration),
		errors.Is(err, gate.ErrInvalidGateConfiguration),
		errors.Is(err, pattern.ErrInvalidPattern),
		errors.Is(err, resilience.ErrInvalidPolicy):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	return echo.NewHTTPError(status, err.Error())
}
