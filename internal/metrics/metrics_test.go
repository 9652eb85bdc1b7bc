package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

func TestObserve(t *testing.T) {
	m := New()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	m.Observe(events.TransitionEvent{ID: "a", From: task.StatePending, To: task.StateReady})
	m.Observe(events.Record{Seq: 2, Event: events.TransitionEvent{ID: "a", From: task.StateReady, To: task.StateRouted}})
	m.Observe(events.StageEvent{Result: task.StageResult{
		TaskID: "a", Stage: "lint", Attempt: 1, Outcome: task.OutcomeFailure,
		StartedAt: start, FinishedAt: start.Add(2 * time.Second),
	}})
	m.Observe(events.StageEvent{Result: task.StageResult{TaskID: "a", Stage: "lint", Attempt: 2, Outcome: task.OutcomeSuccess}})
	m.Observe(events.GateEvent{ID: "a", Verdict: gate.Verdict{Decision: gate.HumanReview}})
	m.Observe(events.RoutingEvent{Decision: task.RoutingDecision{TaskID: "a", Executor: task.ExecutorHybrid}})
	m.Observe(events.BreakerEvent{Stage: "lint", From: "closed", To: "open"})
	m.SetInflight("hybrid", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("routed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttempts.WithLabelValues("lint", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttempts.WithLabelValues("lint", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("human_review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("hybrid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerChanges.WithLabelValues("lint", "open")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Inflight.WithLabelValues("hybrid")))

	// Only the timed attempt lands in the histogram
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Observe(events.TransitionEvent{To: task.StateFailed})
		m.SetInflight("human", 1)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Observe(events.GateEvent{ID: "a", Verdict: gate.Verdict{Decision: gate.Pass}})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `devpipe_gate_decisions_total{decision="pass"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Observe(events.TransitionEvent{To: task.StateSucceeded})
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Transitions.WithLabelValues("succeeded")))
}
