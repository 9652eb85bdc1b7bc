// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/devpipeline/internal/events"
)

// Metrics holds the engine's collectors on a private registry, so several
// engines in one process (tests included) never collide.
//
// Metrics:
//   - devpipe_transitions_total{to}
//   - devpipe_stage_attempts_total{stage,outcome}
//   - devpipe_stage_duration_seconds{stage}
//   - devpipe_breaker_state_changes_total{stage,to}
//   - devpipe_gate_decisions_total{decision}
//   - devpipe_routing_decisions_total{executor}
//   - devpipe_inflight{class}
//
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	StageAttempts    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	BreakerChanges   *prometheus.CounterVec
	GateDecisions    *prometheus.CounterVec
	RoutingDecisions *prometheus.CounterVec
	Inflight         *prometheus.GaugeVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpipe_transitions_total",
				Help: "Task state transitions by target state",
			},
			[]string{"to"},
		),
		StageAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpipe_stage_attempts_total",
				Help: "Stage attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devpipe_stage_duration_seconds",
				Help:    "Duration of stage attempts in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
			},
			[]string{"stage"},
		),
		BreakerChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpipe_breaker_state_changes_total",
				Help: "Circuit breaker state changes by stage and new state",
			},
			[]string{"stage", "to"},
		),
		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpipe_gate_decisions_total",
				Help: "Quality gate decisions",
			},
			[]string{"decision"},
		),
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devpipe_routing_decisions_total",
				Help: "Routing decisions by executor class",
			},
			[]string{"executor"},
		),
		Inflight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "devpipe_inflight",
				Help: "Tasks holding a capacity slot by executor class",
			},
			[]string{"class"},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe updates the counters for one engine event. Replay-log records are
// unwrapped.
func (m *Metrics) Observe(e events.Event) {
	if m == nil {
		return
	}
	if r, ok := e.(events.Record); ok {
		e = r.Event
	}
	switch ev := e.(type) {
	case events.TransitionEvent:
		m.Transitions.WithLabelValues(string(ev.To)).Inc()
	case events.StageEvent:
		r := ev.Result
		m.StageAttempts.WithLabelValues(r.Stage, string(r.Outcome)).Inc()
		if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
			m.StageDuration.WithLabelValues(r.Stage).Observe(r.Duration().Seconds())
		}
	case events.GateEvent:
		m.GateDecisions.WithLabelValues(string(ev.Verdict.Decision)).Inc()
	case events.RoutingEvent:
		m.RoutingDecisions.WithLabelValues(string(ev.Decision.Executor)).Inc()
	case events.BreakerEvent:
		m.BreakerChanges.WithLabelValues(ev.Stage, ev.To).Inc()
	}
}

// SetInflight records the number of leases held for an executor class.
func (m *Metrics) SetInflight(class string, n int) {
	if m == nil {
		return
	}
	m.Inflight.WithLabelValues(class).Set(float64(n))
}
