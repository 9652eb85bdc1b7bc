package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/devpipeline/internal/backend"
	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/task"
)

// scriptedRunner answers each stage from its script; unscripted stages
// succeed.
type scriptedRunner struct {
	mu     sync.Mutex
	script map[string]func(call int) backend.Response
	calls  map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		script: make(map[string]func(int) backend.Response),
		calls:  make(map[string]int),
	}
}

func (s *scriptedRunner) on(stage string, fn func(call int) backend.Response) *scriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[stage] = fn
	return s
}

func (s *scriptedRunner) Run(_ context.Context, req backend.Request) (backend.Response, error) {
	s.mu.Lock()
	s.calls[req.Stage]++
	n := s.calls[req.Stage]
	fn := s.script[req.Stage]
	s.mu.Unlock()

	if fn == nil {
		return backend.Response{Success: true, Detail: req.Stage + " ok"}, nil
	}
	return fn(n), nil
}

func (s *scriptedRunner) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func alwaysFail(detail string) func(int) backend.Response {
	return func(int) backend.Response { return backend.Response{Detail: detail} }
}

func failFirst(n int, detail string) func(int) backend.Response {
	return func(call int) backend.Response {
		if call <= n {
			return backend.Response{Detail: detail}
		}
		return backend.Response{Success: true, Detail: "fixed"}
	}
}

func signals(complexity, creativity, domain, timeline, quality float64) map[string]float64 {
	return map[string]float64{
		"complexity": complexity,
		"creativity": creativity,
		"domain":     domain,
		"timeline":   timeline,
		"quality":    quality,
	}
}

// automated signals route to automated and select parallel-checks.
func automated() map[string]float64 { return signals(0, 0, 0, 0, 0) }

// human signals score 0.85: human executor, sequential-gate by complexity.
func human() map[string]float64 { return signals(1, 1, 1, 0, 1) }

// risky signals select self-healing while staying automated.
func risky() map[string]float64 { return signals(0, 0, 0, 0, 0.7) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry.Default.BaseDelay = time.Millisecond
	cfg.Retry.Default.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, runner backend.Runner, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithRegistry(backend.NewRegistry(runner)),
	}
	e, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func drain(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))
}

func transitions(e *Engine, id string) []events.TransitionEvent {
	var out []events.TransitionEvent
	for _, rec := range e.Events(0) {
		if te, ok := rec.Event.(events.TransitionEvent); ok && te.ID == id {
			out = append(out, te)
		}
	}
	return out
}

func reachedIn(e *Engine, state task.State) []string {
	var ids []string
	for _, rec := range e.Events(0) {
		if te, ok := rec.Event.(events.TransitionEvent); ok && te.To == state {
			ids = append(ids, te.ID)
		}
	}
	return ids
}

func attempts(tk *task.Task, stage string) []task.StageResult {
	var out []task.StageResult
	for _, r := range tk.StageHistory {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

func mustTask(t *testing.T, e *Engine, id string) *task.Task {
	t.Helper()
	tk, err := e.Task(id)
	require.NoError(t, err)
	return tk
}

func TestScenarioChainSucceedsInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(), newScriptedRunner())

	ids, err := e.SubmitBatch(ctx, []task.Task{
		{ID: "C", Title: "Publish release notes", Dependencies: []string{"B"}, Signals: automated()},
		{ID: "A", Title: "Add store schema", Signals: automated()},
		{ID: "B", Title: "Wire store into API", Dependencies: []string{"A"}, Signals: automated()},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, ids)

	drain(t, e)

	assert.Equal(t, []string{"A", "B", "C"}, reachedIn(e, task.StateSucceeded))
	for _, id := range ids {
		tk := mustTask(t, e, id)
		assert.Equal(t, task.StateSucceeded, tk.State, id)
		assert.Equal(t, task.ExecutorAutomated, tk.Executor, id)
		assert.Equal(t, pattern.ParallelChecks, tk.Pattern, id)
		assert.Len(t, tk.StageHistory, 4, "implement plus three checks for %s", id)
	}

	var order []task.State
	for _, te := range transitions(e, "B") {
		order = append(order, te.To)
	}
	assert.Equal(t, []task.State{
		task.StateReady, task.StateRouted, task.StateRunning,
		task.StateQualityCheck, task.StateSucceeded,
	}, order)
}

func TestScenarioHumanReworkReentersAtNamedStage(t *testing.T) {
	ctx := context.Background()
	runner := newScriptedRunner()
	e := newTestEngine(t, testConfig(), runner)

	id, err := e.SubmitTask(ctx, task.Task{Title: "Design payment flow", Signals: human()})
	require.NoError(t, err)
	drain(t, e)

	tk := mustTask(t, e, id)
	require.Equal(t, task.StateReviewing, tk.State)
	assert.Equal(t, task.ExecutorHuman, tk.Executor)
	assert.Equal(t, pattern.SequentialGate, tk.Pattern)

	decisions, err := e.Decisions(ctx, id)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.InDelta(t, 0.85, decisions[0].Composite, 1e-9)
	assert.InDelta(t, 8.5, tk.ComplexityScore, 1e-9)

	queue := e.ListReviewQueue(ReviewFilter{Executor: task.ExecutorHuman})
	require.Len(t, queue, 1)
	assert.Equal(t, id, queue[0].Task.ID)
	assert.Empty(t, e.ListReviewQueue(ReviewFilter{Executor: task.ExecutorAutomated}))

	require.NoError(t, e.SubmitReview(ctx, id, Review{Decision: Reject, Notes: "cover the refund path", ReworkStage: "test"}))
	rework := transitions(e, id)
	last := rework[len(rework)-1]
	assert.Equal(t, task.StateReviewing, last.From)
	assert.Equal(t, task.StateRunning, last.To)
	assert.Equal(t, task.ReasonRework, last.Reason)

	drain(t, e)

	tk = mustTask(t, e, id)
	require.Equal(t, task.StateReviewing, tk.State)
	assert.Len(t, attempts(tk, "implement"), 1, "rework starts at test, not at the beginning")
	assert.Len(t, attempts(tk, "test"), 2)
	assert.Equal(t, 1, runner.count("implement"))

	require.NoError(t, e.SubmitReview(ctx, id, Review{Decision: Approve}))
	assert.Equal(t, task.StateSucceeded, mustTask(t, e, id).State)
	assert.Empty(t, e.ListReviewQueue(ReviewFilter{}))
}

func TestScenarioRetryBackoffThenBlocked(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retry.Stages["implement"] = config.RetryOverride{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	runner := newScriptedRunner().on("implement", alwaysFail("compile error"))
	e := newTestEngine(t, cfg, runner)

	id, err := e.SubmitTask(ctx, task.Task{Title: "Add cache layer", Signals: automated()})
	require.NoError(t, err)
	drain(t, e)

	tk := mustTask(t, e, id)
	require.Equal(t, task.StateBlocked, tk.State)
	implement := attempts(tk, "implement")
	require.Len(t, implement, 3)
	for i, want := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		assert.Equal(t, i+1, implement[i].Attempt)
		assert.Equal(t, task.OutcomeFailure, implement[i].Outcome)
		assert.Equal(t, want, implement[i].Backoff, "attempt %d", i+1)
	}
	last := transitions(e, id)
	assert.Equal(t, task.ReasonRetriesExhausted, last[len(last)-1].Reason)

	// Unblocking retries the stage that failed
	runner.on("implement", nil)
	require.NoError(t, e.Unblock(ctx, id))
	drain(t, e)

	tk = mustTask(t, e, id)
	assert.Equal(t, task.StateSucceeded, tk.State)
	assert.Len(t, attempts(tk, "implement"), 4)
}

func TestAdvanceStepsOneStageAtATime(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(), newScriptedRunner())

	id, err := e.SubmitTask(ctx, task.Task{Title: "Fix flaky test", Signals: signals(0, 0, 0, 1, 0)})
	require.NoError(t, err)

	res, err := e.Advance(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "implement", res.Stage)
	tk := mustTask(t, e, id)
	assert.Equal(t, pattern.FailFast, tk.Pattern, "timeline pressure selects fail-fast")
	assert.Equal(t, task.StateRunning, tk.State)

	res, err = e.Advance(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "test", res.Stage)
	assert.Equal(t, task.StateSucceeded, mustTask(t, e, id).State, "the last stage hands the task to the gate")

	_, err = e.Advance(ctx, id)
	assert.ErrorIs(t, err, task.ErrTerminal)
}

func TestAdvanceRefusesTasksThatCannotMove(t *testing.T) {
	ctx := context.Background()
	runner := newScriptedRunner().on("implement", alwaysFail("boom"))
	cfg := testConfig()
	cfg.Retry.Default.MaxAttempts = 1
	e := newTestEngine(t, cfg, runner)

	ids, err := e.SubmitBatch(ctx, []task.Task{
		{ID: "base", Title: "Base", Signals: automated()},
		{ID: "top", Title: "Top", Dependencies: []string{"base"}, Signals: automated()},
	})
	require.NoError(t, err)

	_, err = e.Advance(ctx, ids[1])
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = e.Advance(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, task.StateBlocked, mustTask(t, e, ids[0]).State)

	_, err = e.Advance(ctx, ids[0])
	assert.ErrorIs(t, err, ErrSuspended)

	_, err = e.Advance(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestAutoFixRerunsFailedChecks(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retry.Stages["lint"] = config.RetryOverride{MaxAttempts: 1}
	runner := newScriptedRunner().on("lint", failFirst(1, "3 issues"))
	e := newTestEngine(t, cfg, runner)

	id, err := e.SubmitTask(ctx, task.Task{Title: "Refactor handlers", Signals: automated()})
	require.NoError(t, err)
	drain(t, e)

	tk := mustTask(t, e, id)
	require.Equal(t, task.StateSucceeded, tk.State)
	assert.Equal(t, 1, runner.count("autofix"))
	assert.Len(t, attempts(tk, "lint"), 2)
	assert.Len(t, attempts(tk, "test"), 1, "checks that passed are not rerun")

	verdicts, err := e.GateVerdicts(ctx, id)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	assert.Equal(t, gate.AutoFix, verdicts[0].Verdict.Decision)
	assert.Equal(t, gate.Pass, verdicts[1].Verdict.Decision)
	assert.Equal(t, 1, verdicts[1].AutoFixesUsed)

	var sawAutoFix bool
	for _, te := range transitions(e, id) {
		if te.From == task.StateQualityCheck && te.To == task.StateRunning {
			sawAutoFix = te.Reason == task.ReasonAutoFix
		}
	}
	assert.True(t, sawAutoFix)
}

func TestSecurityFailureFailsGateAndRollsBack(t *testing.T) {
	ctx := context.Background()
	runner := newScriptedRunner().on("security-scan", alwaysFail("CVE-2024-0001"))
	e := newTestEngine(t, testConfig(), runner)

	id, err := e.SubmitTask(ctx, task.Task{Title: "Add upload endpoint", Signals: automated()})
	require.NoError(t, err)
	drain(t, e)

	tk := mustTask(t, e, id)
	assert.Equal(t, task.StateRolledBack, tk.State, "implement is risky so a snapshot exists")
	assert.Equal(t, task.ReasonGateFailed, tk.Reason)
	assert.NotEmpty(t, tk.StageHistory, "history survives the rollback")

	verdicts, err := e.GateVerdicts(ctx, id)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, gate.Fail, verdicts[0].Verdict.Decision)
}

func TestSubmitRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(), newScriptedRunner())

	_, err := e.SubmitBatch(ctx, []task.Task{
		{ID: "a", Title: "A", Dependencies: []string{"b"}},
		{ID: "b", Title: "B", Dependencies: []string{"a"}},
	})
	require.Error(t, err)
	assert.Empty(t, e.Tasks())

	_, err = e.SubmitBatch(ctx, []task.Task{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B", Dependencies: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.Empty(t, e.Tasks())

	_, err = e.SubmitTask(ctx, task.Task{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidTask)

	id, err := e.SubmitTask(ctx, task.Task{Title: "Generated id", State: task.StateSucceeded, Pattern: "bogus"})
	require.NoError(t, err)
	tk := mustTask(t, e, id)
	assert.Len(t, id, 36)
	assert.Equal(t, task.StateReady, tk.State, "runtime fields are reset and the task is promoted")
	assert.Empty(t, tk.Pattern)

	// Later submissions may depend on earlier ones
	_, err = e.SubmitTask(ctx, task.Task{Title: "Follow-up", Dependencies: []string{id}})
	require.NoError(t, err)
	assert.Len(t, e.Tasks(), 2)
}

func TestReconfigureRejectsInvalidConfig(t *testing.T) {
	e := newTestEngine(t, testConfig(), newScriptedRunner())

	bad := testConfig()
	bad.Routing.Weights.Quality = 0.9
	require.Error(t, e.Reconfigure(bad))
	assert.NotSame(t, bad, e.Config())

	good := testConfig()
	good.Capacity.Human = 1
	require.NoError(t, e.Reconfigure(good))
	assert.Same(t, good, e.Config())
}

func TestReconfigureRebuildsStageRunners(t *testing.T) {
	ctx := context.Background()
	pm := backend.NewProcessManager()
	cfg := testConfig()
	cfg.Stages = map[string]config.StageCommand{"implement": {Command: "false"}}

	e, err := New(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithRunnerFactory(func(cfg *config.Config) *backend.Registry {
			return RunnersFromConfig(cfg, pm, zaptest.NewLogger(t))
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	id, err := e.SubmitTask(ctx, task.Task{Title: "Wire up exporter", Signals: automated()})
	require.NoError(t, err)
	res, err := e.Advance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.OutcomeFailure, res.Outcome)
	require.Equal(t, task.StateBlocked, mustTask(t, e, id).State)

	fixed := testConfig()
	fixed.Stages = map[string]config.StageCommand{"implement": {Command: "true"}}
	require.NoError(t, e.Reconfigure(fixed))
	require.NoError(t, e.Unblock(ctx, id))

	res, err = e.Advance(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "implement", res.Stage)
	assert.Equal(t, task.OutcomeSuccess, res.Outcome)
}
