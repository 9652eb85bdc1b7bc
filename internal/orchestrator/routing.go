package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/routing"
	"github.com/aristath/devpipeline/internal/task"
)

// routeLocked scores a ready task, records the decision, selects its pattern
// and moves it to routed.
func (e *Engine) routeLocked(ctx context.Context, t *task.Task) error {
	d := e.scoreLocked(ctx, t, "")
	p, rule := e.selector.Select(selectionInput(t, d))
	e.assignPatternLocked(ctx, t, p, rule)
	detail := fmt.Sprintf("%s (composite %.2f, confidence %.2f)", d.Executor, d.Composite, d.Confidence)
	return e.transitionLocked(ctx, t, task.StateRouted, task.ReasonNone, detail)
}

// scoreLocked computes and records a routing decision for t. A decision
// made before is linked as the previous one.
func (e *Engine) scoreLocked(ctx context.Context, t *task.Task, note string) task.RoutingDecision {
	pc := e.cfg.ProjectContext()
	pc.Now = e.now()

	d := e.scorer.Score(t, pc)
	d.ID = uuid.NewString()
	d.PreviousID = t.DecisionID
	d.Note = note

	t.ComplexityScore = d.Composite * 10
	t.Scored = true
	t.Executor = d.Executor
	t.DecisionID = d.ID
	t.UpdatedAt = pc.Now
	e.recordDecisionLocked(ctx, t, d)
	return d
}

func (e *Engine) recordDecisionLocked(ctx context.Context, t *task.Task, d task.RoutingDecision) {
	if err := e.store.SaveDecision(ctx, d); err != nil {
		e.logger.Error("failed to persist routing decision", zap.String("task_id", t.ID), zap.Error(err))
	}
	if err := e.store.SaveTask(ctx, t); err != nil {
		e.logger.Error("failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
	}
	e.emit(events.RoutingEvent{Decision: d})
	e.logger.Info("task routed",
		zap.String("task_id", t.ID),
		zap.String("executor", string(d.Executor)),
		zap.Float64("composite", d.Composite),
		zap.Float64("confidence", d.Confidence),
	)
}

// assignPatternLocked gives t a fresh run of p starting at its first stage.
func (e *Engine) assignPatternLocked(ctx context.Context, t *task.Task, p pattern.Pattern, rule string) {
	previous := t.Pattern
	t.Pattern = p.Name
	plan, _ := p.Plan("")

	r := e.runs[t.ID]
	if r == nil {
		r = &run{}
		r.ctx, r.cancel = context.WithCancel(e.ctx)
		e.runs[t.ID] = r
	}
	r.pattern = p
	r.queue = plan
	r.autoFixes = 0

	e.emit(events.PatternEvent{ID: t.ID, Pattern: p.Name, Previous: previous, Rule: rule, Timestamp: e.now()})
	e.logger.Debug("pattern selected",
		zap.String("task_id", t.ID),
		zap.String("pattern", p.Name),
		zap.String("rule", rule),
	)
}

// selectionInput derives the pattern selection tuple from a routing decision.
func selectionInput(t *task.Task, d task.RoutingDecision) pattern.Input {
	in := pattern.Input{
		Criticality: t.Criticality,
		Complexity:  t.ComplexityScore,
		Timeline:    routing.DefaultFactorValue,
		Risk:        routing.DefaultFactorValue,
	}
	for _, c := range d.Reasoning {
		switch routing.Factor(c.Factor) {
		case routing.FactorTimeline:
			in.Timeline = c.Value
		case routing.FactorQuality:
			in.Risk = c.Value
		}
	}
	return in
}

// latestDecision finds the decision t currently points at.
func (e *Engine) latestDecision(ctx context.Context, t *task.Task) (task.RoutingDecision, error) {
	decisions, err := e.store.Decisions(ctx, t.ID)
	if err != nil {
		return task.RoutingDecision{}, err
	}
	for i := len(decisions) - 1; i >= 0; i-- {
		if decisions[i].ID == t.DecisionID {
			return decisions[i], nil
		}
	}
	return task.RoutingDecision{}, fmt.Errorf("decision %s of task %s not found", t.DecisionID, t.ID)
}

// Route scores a ready task and selects its pattern without starting it.
// Advance routes ready tasks on its own; Route lets a caller inspect the
// decision first.
func (e *Engine) Route(ctx context.Context, id string) (task.RoutingDecision, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, _, err := e.lookupLocked(id)
	if err != nil {
		return task.RoutingDecision{}, err
	}
	if t.State != task.StateReady {
		return task.RoutingDecision{}, fmt.Errorf("%w: task %s is %s, not ready", task.ErrInvalidTransition, id, t.State)
	}
	if err := e.routeLocked(ctx, t); err != nil {
		return task.RoutingDecision{}, err
	}
	return e.latestDecision(ctx, t)
}

// Reroute reassigns the executor class of a routed or suspended task. A new
// decision linked to the current one records the reason; the score and the
// state are unchanged.
func (e *Engine) Reroute(ctx context.Context, id string, executor task.ExecutorClass, why string) (task.RoutingDecision, error) {
	if !executor.Valid() {
		return task.RoutingDecision{}, fmt.Errorf("%w: %q", ErrInvalidExecutor, executor)
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, _, err := e.lookupLocked(id)
	if err != nil {
		return task.RoutingDecision{}, err
	}
	if t.State != task.StateRouted && !t.State.Suspended() {
		return task.RoutingDecision{}, fmt.Errorf("%w: task %s is %s; only routed, blocked or reviewing tasks can be rerouted",
			task.ErrInvalidTransition, id, t.State)
	}

	prev, err := e.latestDecision(ctx, t)
	if err != nil {
		return task.RoutingDecision{}, err
	}
	d := prev
	d.ID = uuid.NewString()
	d.PreviousID = prev.ID
	d.Executor = executor
	d.Note = why
	d.DecidedAt = e.now()
	d.Reasoning = append([]task.FactorContribution(nil), prev.Reasoning...)

	t.Executor = executor
	t.DecisionID = d.ID
	t.UpdatedAt = d.DecidedAt
	e.recordDecisionLocked(ctx, t, d)
	return d, nil
}

// ResetScore clears the score of a routed task that has not started and
// scores it again; the pattern is selected anew from the new score.
func (e *Engine) ResetScore(ctx context.Context, id string) (task.RoutingDecision, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, _, err := e.lookupLocked(id)
	if err != nil {
		return task.RoutingDecision{}, err
	}
	if t.State != task.StateRouted || len(t.StageHistory) > 0 {
		return task.RoutingDecision{}, fmt.Errorf("%w: task %s is %s; only routed tasks that have not started can be re-scored",
			task.ErrInvalidTransition, id, t.State)
	}

	t.ComplexityScore = 0
	t.Scored = false
	d := e.scoreLocked(ctx, t, "score reset")
	p, rule := e.selector.Select(selectionInput(t, d))
	e.assignPatternLocked(ctx, t, p, rule)
	if err := e.store.SaveTask(ctx, t); err != nil {
		e.logger.Error("failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
	}
	return d, nil
}

// EscalatePattern re-selects the pattern of an in-flight task as if it were
// critical, as during a production incident. The task continues in the new
// pattern at the first stage whose latest result is not a success. It
// returns the name of the pattern now in effect.
func (e *Engine) EscalatePattern(ctx context.Context, id string) (string, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, r, err := e.lookupLocked(id)
	if err != nil {
		return "", err
	}
	if t.State.Terminal() {
		return "", fmt.Errorf("task %s: %w: %q", id, task.ErrTerminal, t.State)
	}
	if r == nil {
		return "", fmt.Errorf("%w: task %s is %s and has no pattern yet", task.ErrInvalidTransition, id, t.State)
	}

	d, err := e.latestDecision(ctx, t)
	if err != nil {
		return "", err
	}
	p, rule := e.selector.Escalate(selectionInput(t, d))
	if p.Name == r.pattern.Name {
		return p.Name, nil
	}

	latest := gate.Latest(t.StageHistory)
	plan, _ := p.Plan("")
	start := len(plan)
	for i, name := range plan {
		if res, ok := latest[name]; !ok || res.Outcome != task.OutcomeSuccess {
			start = i
			break
		}
	}
	e.assignPatternLocked(ctx, t, p, "escalate:"+rule)
	r.queue = plan[start:]

	// A review of the old pattern's work no longer applies
	if t.State == task.StateReviewing && len(r.queue) > 0 {
		if err := e.transitionLocked(ctx, t, task.StateRunning, task.ReasonRework, "pattern escalated to "+p.Name); err != nil {
			return "", err
		}
	} else if err := e.store.SaveTask(ctx, t); err != nil {
		e.logger.Error("failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
	}
	e.logger.Info("pattern escalated",
		zap.String("task_id", id),
		zap.String("pattern", p.Name),
		zap.Int("remaining_stages", len(r.queue)),
	)
	e.signal()
	return p.Name, nil
}
