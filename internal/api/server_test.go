package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/devpipeline/internal/backend"
	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/metrics"
	"github.com/aristath/devpipeline/internal/orchestrator"
	"github.com/aristath/devpipeline/internal/resilience"
	"github.com/aristath/devpipeline/internal/task"
)

type stubReloader struct {
	changed bool
	err     error
	calls   int
}

func (s *stubReloader) Reload() (bool, error) {
	s.calls++
	return s.changed, s.err
}

func succeed(context.Context, backend.Request) (backend.Response, error) {
	return backend.Response{Success: true, Detail: "ok"}, nil
}

func setupTestServer(t *testing.T, opts ...Option) (*Server, *orchestrator.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Retry.Default.BaseDelay = time.Millisecond
	cfg.Retry.Default.MaxDelay = 5 * time.Millisecond

	engine, err := orchestrator.New(cfg,
		orchestrator.WithLogger(zaptest.NewLogger(t)),
		orchestrator.WithRegistry(backend.NewRegistry(backend.FuncRunner(succeed))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	server, err := NewServer(engine, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return server, engine
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func drain(t *testing.T, e *orchestrator.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))
}

func humanSignals() map[string]float64 {
	return map[string]float64{"complexity": 1, "creativity": 1, "domain": 1, "timeline": 0, "quality": 1}
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		engine, err := orchestrator.New(config.DefaultConfig())
		require.NoError(t, err)
		defer engine.Close()

		_, err = NewServer(engine, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "engine cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.Tasks)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestSubmitAndGetTask(t *testing.T) {
	server, engine := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/tasks", map[string]any{
		"title":   "Add rate limiter",
		"signals": map[string]float64{"complexity": 0, "creativity": 0, "domain": 0, "timeline": 0, "quality": 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[SubmitResponse](t, rec).ID
	require.NotEmpty(t, id)

	drain(t, engine)

	rec = do(t, server, http.MethodGet, "/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[task.Task](t, rec)
	assert.Equal(t, "Add rate limiter", got.Title)
	assert.Equal(t, task.StateSucceeded, got.State)

	rec = do(t, server, http.MethodGet, "/tasks/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[HistoryResponse](t, rec)
	assert.NotEmpty(t, history.Transitions)
	assert.Len(t, history.Decisions, 1)
	assert.Len(t, history.GateVerdicts, 1)
	assert.NotEmpty(t, history.Stages)

	rec = do(t, server, http.MethodGet, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/tasks", map[string]any{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatch(t *testing.T) {
	server, _ := setupTestServer(t)

	t.Run("rejects cycles", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/tasks/batch", BatchRequest{Tasks: []task.Task{
			{ID: "a", Title: "A", Dependencies: []string{"b"}},
			{ID: "b", Title: "B", Dependencies: []string{"a"}},
		}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "cycle")
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/tasks/batch", BatchRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("accepts a chain", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/tasks/batch", BatchRequest{Tasks: []task.Task{
			{ID: "schema", Title: "Schema"},
			{ID: "api", Title: "API", Dependencies: []string{"schema"}},
		}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"schema", "api"}, decode[BatchResponse](t, rec).IDs)

		rec = do(t, server, http.MethodGet, "/tasks?state=pending", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		pending := decode[[]task.Task](t, rec)
		require.Len(t, pending, 1)
		assert.Equal(t, "api", pending[0].ID)
	})
}

func TestCancelAndConflicts(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/tasks", map[string]any{"title": "Refactor auth"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[SubmitResponse](t, rec).ID

	rec = do(t, server, http.MethodPost, "/tasks/"+id+"/unblock", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[task.Task](t, rec)
	assert.Equal(t, task.StateFailed, got.State)
	assert.Equal(t, task.ReasonCancelled, got.Reason)

	rec = do(t, server, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRerouteValidation(t *testing.T) {
	server, engine := setupTestServer(t)

	id, err := engine.SubmitTask(context.Background(), task.Task{Title: "Pick colours"})
	require.NoError(t, err)
	_, err = engine.Route(context.Background(), id)
	require.NoError(t, err)

	rec := do(t, server, http.MethodPost, "/tasks/"+id+"/reroute", RerouteRequest{Executor: task.ExecutorHuman})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = do(t, server, http.MethodPost, "/tasks/"+id+"/reroute", RerouteRequest{Executor: "robot", Reason: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/tasks/"+id+"/reroute", RerouteRequest{Executor: task.ExecutorHuman, Reason: "brand call"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decode[task.RoutingDecision](t, rec)
	assert.Equal(t, task.ExecutorHuman, d.Executor)
	assert.NotEmpty(t, d.PreviousID)
}

func TestReviewFlow(t *testing.T) {
	server, engine := setupTestServer(t)

	id, err := engine.SubmitTask(context.Background(), task.Task{Title: "Design billing page", Signals: humanSignals()})
	require.NoError(t, err)
	drain(t, engine)

	rec := do(t, server, http.MethodGet, "/reviews?executor=human", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]orchestrator.ReviewItem](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].Task.ID)

	rec = do(t, server, http.MethodGet, "/reviews?executor=automated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]orchestrator.ReviewItem](t, rec))

	rec = do(t, server, http.MethodGet, "/reviews?executor=robot", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/reviews/"+id, orchestrator.Review{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/reviews/"+id, orchestrator.Review{Decision: orchestrator.Approve, Notes: "lgtm"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, task.StateSucceeded, decode[task.Task](t, rec).State)

	rec = do(t, server, http.MethodPost, "/reviews/"+id, orchestrator.Review{Decision: orchestrator.Approve})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleEvents(t *testing.T) {
	server, engine := setupTestServer(t)

	_, err := engine.SubmitTask(context.Background(), task.Task{Title: "Write changelog"})
	require.NoError(t, err)
	drain(t, engine)

	rec := do(t, server, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.NotEmpty(t, all)
	assert.Equal(t, events.EventTypeTaskCreated, all[0]["type"])

	rec = do(t, server, http.MethodGet, "/events?after=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rest []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rest))
	assert.Len(t, rest, len(all)-1)

	rec = do(t, server, http.MethodGet, "/events?after=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReload(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		server, _ := setupTestServer(t)
		rec := do(t, server, http.MethodPost, "/config/reload", nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("reports change", func(t *testing.T) {
		reloader := &stubReloader{changed: true}
		server, _ := setupTestServer(t, WithReloader(reloader))
		rec := do(t, server, http.MethodPost, "/config/reload", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[ReloadResponse](t, rec).Changed)
		assert.Equal(t, 1, reloader.calls)
	})

	invalid := map[string]error{
		"invalid config": errors.Join(config.ErrInvalidConfig, errors.New("weights sum to 1.2")),
		"invalid gate":   fmt.Errorf("patterns: fail-fast: %w: minimum 1.5", gate.ErrInvalidGateConfiguration),
		"invalid policy": fmt.Errorf("retry.default: %w: max_attempts 0", resilience.ErrInvalidPolicy),
	}
	for name, reloadErr := range invalid {
		t.Run(name, func(t *testing.T) {
			reloader := &stubReloader{err: reloadErr}
			server, _ := setupTestServer(t, WithReloader(reloader))
			rec := do(t, server, http.MethodPost, "/config/reload", nil)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, WithMetrics(metrics.New()))

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	bare, _ := setupTestServer(t)
	rec = do(t, bare, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
