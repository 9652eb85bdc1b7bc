// Package task defines the task model shared by every engine component.
package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending      State = "pending"
	StateReady        State = "ready"
	StateRouted       State = "routed"
	StateRunning      State = "running"
	StateBlocked      State = "blocked"
	StateQualityCheck State = "quality_check"
	StateReviewing    State = "reviewing"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateRolledBack   State = "rolled_back"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRolledBack:
		return true
	}
	return false
}

// Suspended reports whether the task waits on an external signal.
func (s State) Suspended() bool {
	return s == StateBlocked || s == StateReviewing
}

// Priority orders tasks within the same dependency rank.
// The zero value means unset and sorts below Low.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityNone:     "",
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority parses a priority name. The empty string yields PriorityNone.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNone, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ExecutorClass selects the capacity pool a task's stages draw from.
type ExecutorClass string

const (
	ExecutorAutomated ExecutorClass = "automated"
	ExecutorHuman     ExecutorClass = "human"
	ExecutorHybrid    ExecutorClass = "hybrid"
)

// ExecutorClasses lists every executor class in a stable order.
var ExecutorClasses = []ExecutorClass{ExecutorAutomated, ExecutorHuman, ExecutorHybrid}

// Valid reports whether e names a known executor class.
func (e ExecutorClass) Valid() bool {
	return slices.Contains(ExecutorClasses, e)
}

// Outcome is the result of a single stage attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Reason explains why a task left the happy path.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonFatalStage       Reason = "fatal_stage"
	ReasonGateFailed       Reason = "gate_failed"
	ReasonTimeout          Reason = "timeout"
	ReasonCancelled        Reason = "cancelled"
	ReasonNoSnapshot       Reason = "no_snapshot"
	ReasonDependencyFailed Reason = "dependency_failed"
	ReasonRework           Reason = "rework"
	ReasonAutoFix          Reason = "auto_fix"
)

// Estimate carries the size signals a planner attached to a task.
type Estimate struct {
	Files int     `json:"files,omitempty" yaml:"files,omitempty"`
	Lines int     `json:"lines,omitempty" yaml:"lines,omitempty"`
	Hours float64 `json:"hours,omitempty" yaml:"hours,omitempty"`
}

// Task is a unit of development work.
type Task struct {
	ID          string             `json:"id" yaml:"id"`
	Title       string             `json:"title" yaml:"title"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	State       State              `json:"state" yaml:"state,omitempty"`
	Priority    Priority           `json:"priority" yaml:"priority,omitempty"`
	Criticality Priority           `json:"criticality" yaml:"criticality,omitempty"`
	Tags        []string           `json:"tags,omitempty" yaml:"tags,omitempty"`
	Signals     map[string]float64 `json:"signals,omitempty" yaml:"signals,omitempty"`
	Estimate    Estimate           `json:"estimate" yaml:"estimate,omitempty"`
	Deadline    time.Time          `json:"deadline,omitzero" yaml:"deadline,omitempty"`

	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Set once at routing; only ResetScore clears them.
	ComplexityScore float64       `json:"complexity_score" yaml:"-"`
	Scored          bool          `json:"scored" yaml:"-"`
	Executor        ExecutorClass `json:"executor,omitempty" yaml:"-"`
	DecisionID      string        `json:"decision_id,omitempty" yaml:"-"`

	Pattern      string        `json:"pattern,omitempty" yaml:"-"`
	StageHistory []StageResult `json:"stage_history,omitempty" yaml:"-"`
	Reason       Reason        `json:"reason,omitempty" yaml:"-"`
	CreatedAt    time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tags = slices.Clone(t.Tags)
	cp.Dependencies = slices.Clone(t.Dependencies)
	if t.Signals != nil {
		cp.Signals = make(map[string]float64, len(t.Signals))
		for k, v := range t.Signals {
			cp.Signals[k] = v
		}
	}
	if t.StageHistory != nil {
		cp.StageHistory = make([]StageResult, len(t.StageHistory))
		for i, r := range t.StageHistory {
			cp.StageHistory[i] = r.Clone()
		}
	}
	return &cp
}

// HasTag reports whether t carries tag.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// StageResult records one attempt of one pattern stage. Results are append-only.
type StageResult struct {
	TaskID     string             `json:"task_id"`
	Stage      string             `json:"stage"`
	Attempt    int                `json:"attempt"`
	Outcome    Outcome            `json:"outcome"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Detail     string             `json:"detail,omitempty"`
	Backoff    time.Duration      `json:"backoff,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	// ShortCircuit marks a failure produced by an open circuit breaker
	// without invoking the stage.
	ShortCircuit bool `json:"short_circuit,omitempty"`
}

// Clone returns a deep copy of r.
func (r StageResult) Clone() StageResult {
	r.Tags = slices.Clone(r.Tags)
	if r.Metrics != nil {
		m := make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			m[k] = v
		}
		r.Metrics = m
	}
	return r
}

// HasTag reports whether the stage that produced r carries tag.
func (r StageResult) HasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

// Duration is the wall time the attempt took.
func (r StageResult) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FactorContribution is one line of a routing decision's reasoning.
type FactorContribution struct {
	Factor       string  `json:"factor"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Defaulted    bool    `json:"defaulted,omitempty"`
}

// RoutingDecision is an immutable routing record. Re-routing produces a new
// decision whose PreviousID points at the one it supersedes.
type RoutingDecision struct {
	ID         string               `json:"id"`
	TaskID     string               `json:"task_id"`
	Executor   ExecutorClass        `json:"executor"`
	Composite  float64              `json:"composite"`
	Confidence float64              `json:"confidence"`
	Reasoning  []FactorContribution `json:"reasoning"`
	PreviousID string               `json:"previous_id,omitempty"`
	Note       string               `json:"note,omitempty"`
	DecidedAt  time.Time            `json:"decided_at"`
}

// Transition is one recorded state change.
type Transition struct {
	Seq       uint64    `json:"seq"`
	TaskID    string    `json:"task_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    Reason    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
