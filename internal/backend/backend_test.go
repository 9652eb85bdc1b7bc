package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/devpipeline/internal/task"
)

func named(name string) FuncRunner {
	return func(ctx context.Context, req Request) (Response, error) {
		return Response{Success: true, Detail: name}, nil
	}
}

func TestRegistryResolveOrder(t *testing.T) {
	reg := NewRegistry(named("fallback"))
	reg.Register("lint", named("lint"))
	reg.RegisterClass(task.ExecutorHuman, named("human"))
	reg.RegisterClass(task.ExecutorAutomated, named("automated"))

	tests := []struct {
		stage    string
		hint     task.ExecutorClass
		executor task.ExecutorClass
		want     string
	}{
		{"lint", task.ExecutorHuman, task.ExecutorAutomated, "lint"},
		{"review-prep", task.ExecutorHuman, task.ExecutorAutomated, "human"},
		{"test", "", task.ExecutorAutomated, "automated"},
		{"test", "", task.ExecutorHybrid, "fallback"},
	}
	for _, tt := range tests {
		runner, err := reg.Resolve(tt.stage, tt.hint, tt.executor)
		require.NoError(t, err)
		resp, err := runner.Run(context.Background(), Request{Stage: tt.stage})
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.Detail, "stage %s", tt.stage)
	}
}

func TestRegistryWithoutFallback(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Resolve("deploy", "", task.ExecutorAutomated)
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestCommandRunnerSuccessWithMetrics(t *testing.T) {
	requireBash(t)
	runner := NewCommandRunner(map[string]Command{
		"test": {
			Command: "bash",
			Args: []string{"-c", `echo "running $DEVPIPE_STAGE for $DEVPIPE_TASK_ID attempt $DEVPIPE_ATTEMPT"
echo "METRIC coverage=0.82"
echo "METRIC bogus"
echo "METRIC flaky=abc"
echo "suite $SUITE ok"`},
			Env: map[string]string{"SUITE": "unit"},
		},
	}, NewProcessManager(), zaptest.NewLogger(t))

	resp, err := runner.Run(context.Background(), Request{
		Task:     &task.Task{ID: "t-9", Title: "Add cache"},
		Stage:    "test",
		Attempt:  2,
		Executor: task.ExecutorAutomated,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "suite unit ok", resp.Detail)
	assert.Equal(t, map[string]float64{"coverage": 0.82}, resp.Metrics)
}

func TestCommandRunnerEnvironment(t *testing.T) {
	requireBash(t)
	runner := NewCommandRunner(map[string]Command{
		"implement": {Command: "bash", Args: []string{"-c", `echo "$DEVPIPE_TASK_ID|$DEVPIPE_TASK_TITLE|$DEVPIPE_ATTEMPT|$DEVPIPE_EXECUTOR"`}},
	}, nil, nil)

	resp, err := runner.Run(context.Background(), Request{
		Task:     &task.Task{ID: "t-1", Title: "Wire store"},
		Stage:    "implement",
		Attempt:  3,
		Executor: task.ExecutorHybrid,
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1|Wire store|3|hybrid", resp.Detail)
}

func TestCommandRunnerNonZeroExitIsStageFailure(t *testing.T) {
	requireBash(t)
	runner := NewCommandRunner(map[string]Command{
		"lint": {Command: "bash", Args: []string{"-c", "echo 'METRIC issues=4'; echo 'main.go:3: unused import' >&2; exit 3"}},
	}, nil, nil)

	resp, err := runner.Run(context.Background(), Request{Stage: "lint", Task: &task.Task{ID: "a"}})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "exit status 3: main.go:3: unused import", resp.Detail)
	assert.Equal(t, 4.0, resp.Metrics["issues"])
}

func TestCommandRunnerErrors(t *testing.T) {
	runner := NewCommandRunner(map[string]Command{
		"build": {Command: "/nonexistent/devpipe-build"},
	}, nil, nil)

	_, err := runner.Run(context.Background(), Request{Stage: "deploy"})
	assert.ErrorIs(t, err, ErrNoRunner)

	_, err = runner.Run(context.Background(), Request{Stage: "build"})
	assert.Error(t, err, "a command that cannot start is not a stage result")
}

func TestCommandRunnerCancellation(t *testing.T) {
	requireBash(t)
	pm := NewProcessManager()
	runner := NewCommandRunner(map[string]Command{
		"scan": {Command: "bash", Args: []string{"-c", "sleep 30"}},
	}, pm, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := runner.Run(ctx, Request{Stage: "scan"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, pm.Count())
}

func TestCommandRunnerRegister(t *testing.T) {
	runner := NewCommandRunner(map[string]Command{
		"lint": {Command: "true"},
		"test": {Command: "true"},
	}, nil, nil)
	reg := NewRegistry(nil)
	runner.Register(reg)

	assert.ElementsMatch(t, []string{"lint", "test"}, reg.Stages())
	r, err := reg.Resolve("lint", "", task.ExecutorHuman)
	require.NoError(t, err)
	assert.Same(t, runner, r.(*CommandRunner))
}
