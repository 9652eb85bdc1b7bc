// Package events publishes engine events to in-process subscribers, keeps an
// append-only replay log and forwards events to NATS.
package events

import (
	"strings"
	"time"

	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicStage   = "stage"
	TopicRouting = "routing"
	TopicGate    = "gate"
	TopicPattern = "pattern"
	TopicBreaker = "breaker"
)

// Event type constants
const (
	EventTypeTaskCreated     = "task.created"
	EventTypeTaskTransition  = "task.transition"
	EventTypeStageAttempt    = "stage.attempt"
	EventTypeRoutingDecision = "routing.decision"
	EventTypeGateVerdict     = "gate.verdict"
	EventTypePatternSelected = "pattern.selected"
	EventTypeBreakerState    = "breaker.state"
)

// TopicOf returns the topic an event is published on.
func TopicOf(e Event) string {
	topic, _, _ := strings.Cut(e.EventType(), ".")
	return topic
}

// TaskCreatedEvent is published when a task is accepted.
type TaskCreatedEvent struct {
	ID           string    `json:"task_id"`
	Title        string    `json:"title"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e TaskCreatedEvent) EventType() string { return EventTypeTaskCreated }
func (e TaskCreatedEvent) TaskID() string    { return e.ID }

// TransitionEvent is published for every task state change. Seq is the
// replay-log sequence number of the event.
type TransitionEvent struct {
	Seq       uint64      `json:"seq"`
	ID        string      `json:"task_id"`
	From      task.State  `json:"from"`
	To        task.State  `json:"to"`
	Reason    task.Reason `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (e TransitionEvent) EventType() string { return EventTypeTaskTransition }
func (e TransitionEvent) TaskID() string    { return e.ID }

func (e TransitionEvent) withSeq(seq uint64) Event {
	e.Seq = seq
	return e
}

// Transition converts the event to its stored form.
func (e TransitionEvent) Transition() task.Transition {
	return task.Transition{
		Seq:       e.Seq,
		TaskID:    e.ID,
		From:      e.From,
		To:        e.To,
		Reason:    e.Reason,
		Detail:    e.Detail,
		Timestamp: e.Timestamp,
	}
}

// StageEvent is published for every stage attempt, including short-circuits
// and skips.
type StageEvent struct {
	Result task.StageResult `json:"result"`
}

func (e StageEvent) EventType() string { return EventTypeStageAttempt }
func (e StageEvent) TaskID() string    { return e.Result.TaskID }

// RoutingEvent is published when a task is routed or re-routed.
type RoutingEvent struct {
	Decision task.RoutingDecision `json:"decision"`
}

func (e RoutingEvent) EventType() string { return EventTypeRoutingDecision }
func (e RoutingEvent) TaskID() string    { return e.Decision.TaskID }

// GateEvent is published when the quality gate decides.
type GateEvent struct {
	ID            string       `json:"task_id"`
	Verdict       gate.Verdict `json:"verdict"`
	AutoFixesUsed int          `json:"auto_fixes_used"`
	Timestamp     time.Time    `json:"timestamp"`
}

func (e GateEvent) EventType() string { return EventTypeGateVerdict }
func (e GateEvent) TaskID() string    { return e.ID }

// PatternEvent is published when a task gets a pattern, including escalations.
type PatternEvent struct {
	ID        string    `json:"task_id"`
	Pattern   string    `json:"pattern"`
	Previous  string    `json:"previous,omitempty"`
	Rule      string    `json:"rule"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PatternEvent) EventType() string { return EventTypePatternSelected }
func (e PatternEvent) TaskID() string    { return e.ID }

// BreakerEvent is published when a stage's circuit breaker changes state.
type BreakerEvent struct {
	Stage     string    `json:"stage"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BreakerEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerEvent) TaskID() string    { return "" }
