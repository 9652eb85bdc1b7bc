package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/scheduler"
	"github.com/aristath/devpipeline/internal/task"
)

// ErrNotEmpty is returned by Recover on an engine that already has tasks.
var ErrNotEmpty = errors.New("engine already has tasks")

// Recover reloads every task from the store into an empty engine and
// returns how many were loaded. Stages that were in flight when the
// process stopped run again; suspended tasks stay suspended with their
// timeouts restarted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	tasks, err := e.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}
	seq, err := e.store.LastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("load last sequence: %w", err)
	}
	graph, err := scheduler.Build(tasks)
	if err != nil {
		return 0, fmt.Errorf("rebuild dependency graph: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) > 0 {
		return 0, ErrNotEmpty
	}

	e.log.Resume(seq)
	e.graph = graph
	for _, t := range tasks {
		e.tasks[t.ID] = t
	}
	for _, t := range tasks {
		if t.State.Terminal() || t.Pattern == "" {
			continue
		}
		if err := e.restoreRunLocked(ctx, t); err != nil {
			e.logger.Error("failed to restore task run", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	e.logger.Info("tasks recovered", zap.Int("count", len(tasks)), zap.Uint64("last_seq", seq))
	e.sweepLocked(ctx)
	e.signal()
	return len(tasks), nil
}

// restoreRunLocked rebuilds the run of a routed, non-terminal task.
func (e *Engine) restoreRunLocked(ctx context.Context, t *task.Task) error {
	p, ok := e.selector.Pattern(t.Pattern)
	if !ok {
		d, err := e.latestDecision(ctx, t)
		if err != nil {
			return fmt.Errorf("pattern %q is no longer configured: %w", t.Pattern, err)
		}
		var rule string
		p, rule = e.selector.Select(selectionInput(t, d))
		e.logger.Warn("pattern no longer configured, selected again",
			zap.String("task_id", t.ID),
			zap.String("previous", t.Pattern),
			zap.String("pattern", p.Name),
			zap.String("rule", rule),
		)
		t.Pattern = p.Name
	}

	r := &run{pattern: p, queue: pendingStages(p, t.StageHistory)}
	r.ctx, r.cancel = context.WithCancel(e.ctx)
	e.runs[t.ID] = r

	verdicts, err := e.store.GateVerdicts(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("load gate verdicts: %w", err)
	}
	var last *gate.Verdict
	for i := range verdicts {
		if verdicts[i].Verdict.Decision == gate.AutoFix {
			r.autoFixes++
		}
		last = &verdicts[i].Verdict
	}

	switch t.State {
	case task.StateReviewing:
		r.review = reviewItem(t, r, last, t.UpdatedAt)
		e.armTimeoutLocked(t.ID, r)
	case task.StateBlocked:
		e.armTimeoutLocked(t.ID, r)
	}
	return nil
}

// pendingStages lists the regular stages of p whose latest result is not a
// success, in pattern order.
func pendingStages(p pattern.Pattern, history []task.StageResult) []string {
	latest := gate.Latest(history)
	plan, _ := p.Plan("")
	var pending []string
	for _, name := range plan {
		if res, ok := latest[name]; !ok || res.Outcome != task.OutcomeSuccess {
			pending = append(pending, name)
		}
	}
	return pending
}
