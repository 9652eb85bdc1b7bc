package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/rollback"
	"github.com/aristath/devpipeline/internal/task"
)

// transitionLocked moves t to state to, records the transition in the log and
// the store, and applies the side effects of entering and leaving suspended
// and terminal states. e.mu must be held.
func (e *Engine) transitionLocked(ctx context.Context, t *task.Task, to task.State, reason task.Reason, detail string) error {
	from := t.State
	if err := task.ValidateTransition(from, to, reason); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}

	now := e.now()
	t.State = to
	t.UpdatedAt = now
	if to == task.StateFailed || to == task.StateRolledBack {
		t.Reason = reason
	}

	rec := e.emit(events.TransitionEvent{
		ID:        t.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		Detail:    detail,
		Timestamp: now,
	})
	te := rec.Event.(events.TransitionEvent)

	var storeErr error
	if err := e.store.RecordTransition(ctx, t, te.Transition()); err != nil {
		storeErr = fmt.Errorf("record transition of task %s: %w", t.ID, err)
		e.logger.Error("failed to persist transition", zap.String("task_id", t.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if reason != task.ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	e.logger.Info("task transition", fields...)

	r := e.runs[t.ID]
	if r != nil {
		r.stalled = false
		if from.Suspended() && !to.Suspended() {
			r.suspendSeq++
			if r.timer != nil {
				r.timer.Stop()
				r.timer = nil
			}
		}
		if from == task.StateReviewing {
			r.review = nil
		}
		if to.Suspended() {
			e.releaseLocked(r)
			e.armTimeoutLocked(t.ID, r)
		}
	}
	if to.Terminal() {
		e.finishLocked(ctx, t)
	}
	e.signal()
	return storeErr
}

// finishLocked releases everything a terminal task holds and settles its
// dependents.
func (e *Engine) finishLocked(ctx context.Context, t *task.Task) {
	if r := e.runs[t.ID]; r != nil {
		r.cancel()
		e.releaseLocked(r)
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.queue = nil
	}
	if n := e.rollback.Prune(t.ID); n > 0 {
		e.logger.Debug("snapshots pruned", zap.String("task_id", t.ID), zap.Int("count", n))
	}
	e.sweepLocked(ctx)
}

// sweepLocked promotes pending tasks whose dependencies all succeeded and
// fails those with a dependency that ended without succeeding.
func (e *Engine) sweepLocked(ctx context.Context) {
	for {
		states := e.statesLocked()
		doomed := e.graph.Unsatisfiable(states)
		ready := e.graph.Ready(states)
		if len(doomed) == 0 && len(ready) == 0 {
			return
		}
		for _, id := range doomed {
			t := e.tasks[id]
			if t.State != task.StatePending {
				continue
			}
			detail := "dependency ended without succeeding"
			for _, dep := range e.graph.Dependencies(id) {
				if s := e.tasks[dep].State; s == task.StateFailed || s == task.StateRolledBack {
					detail = fmt.Sprintf("dependency %s is %s", dep, s)
					break
				}
			}
			_ = e.transitionLocked(ctx, t, task.StateFailed, task.ReasonDependencyFailed, detail)
		}
		for _, id := range ready {
			if t := e.tasks[id]; t.State == task.StatePending {
				_ = e.transitionLocked(ctx, t, task.StateReady, task.ReasonNone, "")
			}
		}
	}
}

func (e *Engine) statesLocked() map[string]task.State {
	states := make(map[string]task.State, len(e.tasks))
	for id, t := range e.tasks {
		states[id] = t.State
	}
	return states
}

// armTimeoutLocked starts the suspension timer when a task timeout is set.
func (e *Engine) armTimeoutLocked(id string, r *run) {
	timeout := e.cfg.TaskTimeout
	if timeout <= 0 {
		return
	}
	r.suspendSeq++
	seq := r.suspendSeq
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(timeout, func() { e.expire(id, seq, timeout) })
}

// expire fails a task that is still in the suspension the timer was armed for.
func (e *Engine) expire(id string, seq uint64, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, r, err := e.lookupLocked(id)
	if err != nil || r == nil || r.suspendSeq != seq || !t.State.Suspended() {
		return
	}
	e.logger.Warn("suspended task timed out",
		zap.String("task_id", id),
		zap.String("state", string(t.State)),
		zap.Duration("timeout", timeout),
	)
	detail := fmt.Sprintf("%s longer than %s", t.State, timeout)
	_ = e.transitionLocked(context.Background(), t, task.StateFailed, task.ReasonTimeout, detail)
}

// failOrRollback ends a task after an unrecoverable failure: it is rolled
// back to its latest snapshot, or failed with reason when there is none.
// The task lock must be held, e.mu must not.
func (e *Engine) failOrRollback(ctx context.Context, id string, reason task.Reason, detail string) error {
	e.mu.Lock()
	t, r, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if t.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	expectSnapshot := r != nil && slices.ContainsFunc(r.pattern.Stages, func(s pattern.Stage) bool { return s.NeedsSnapshot() })
	clone := t.Clone()
	e.mu.Unlock()

	restored, rbErr := e.rollback.Rollback(ctx, clone)

	e.mu.Lock()
	defer e.mu.Unlock()
	if t.State.Terminal() {
		return nil
	}
	if rbErr != nil {
		if errors.Is(rbErr, rollback.ErrNoSnapshotAvailable) {
			if expectSnapshot {
				e.logger.Warn("no snapshot to roll back to", zap.String("task_id", id))
			}
		} else {
			e.logger.Error("rollback failed", zap.String("task_id", id), zap.Error(rbErr))
			detail = fmt.Sprintf("%s; rollback failed: %v", detail, rbErr)
		}
		return e.transitionLocked(ctx, t, task.StateFailed, reason, detail)
	}
	return e.applyRollbackLocked(ctx, t, restored, reason, detail)
}

// applyRollbackLocked replaces t's fields with the restored snapshot while
// keeping its identity, stage history and creation time, then records the
// transition into rolled_back.
func (e *Engine) applyRollbackLocked(ctx context.Context, t, restored *task.Task, reason task.Reason, detail string) error {
	from := t.State
	history := t.StageHistory
	created := t.CreatedAt
	*t = *restored
	t.State = from
	t.StageHistory = history
	t.CreatedAt = created
	return e.transitionLocked(ctx, t, task.StateRolledBack, reason, detail)
}

// Rollback restores a task to its latest snapshot and marks it rolled back.
// A task already rolled back is returned unchanged without a new transition.
// A task without snapshots fails with reason no_snapshot and the error
// wraps rollback.ErrNoSnapshotAvailable.
func (e *Engine) Rollback(ctx context.Context, id, detail string) (*task.Task, error) {
	e.mu.Lock()
	t, _, err := e.lookupLocked(id)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	if t.State == task.StateRolledBack {
		defer e.mu.Unlock()
		return t.Clone(), nil
	}
	if t.State.Terminal() {
		defer e.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w: %q", id, task.ErrTerminal, t.State)
	}
	clone := t.Clone()
	e.mu.Unlock()

	restored, rbErr := e.rollback.Rollback(ctx, clone)

	e.mu.Lock()
	defer e.mu.Unlock()
	if t.State.Terminal() {
		return t.Clone(), nil
	}
	if rbErr != nil {
		if errors.Is(rbErr, rollback.ErrNoSnapshotAvailable) {
			_ = e.transitionLocked(ctx, t, task.StateFailed, task.ReasonNoSnapshot, detail)
		}
		return nil, rbErr
	}
	if err := e.applyRollbackLocked(ctx, t, restored, task.ReasonNone, detail); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Cancel stops a task: the running stage's context is cancelled, the
// capacity slot is released at once, every stage not yet started is recorded
// as skipped and the task fails with reason cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, r, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("task %s: %w: %q", id, task.ErrTerminal, t.State)
	}

	if r != nil {
		r.cancel()
		e.releaseLocked(r)
		now := e.now()
		for _, stage := range r.queue {
			e.recordAttemptLocked(ctx, t, task.StageResult{
				TaskID:     id,
				Stage:      stage,
				Outcome:    task.OutcomeSkipped,
				StartedAt:  now,
				FinishedAt: now,
				Detail:     "task cancelled",
			})
		}
		r.queue = nil
	}
	return e.transitionLocked(ctx, t, task.StateFailed, task.ReasonCancelled, "cancelled by operator")
}

// recordAttemptLocked appends a stage result to the task history, the store
// and the event log. Results arriving after the task ended are dropped.
func (e *Engine) recordAttemptLocked(ctx context.Context, t *task.Task, res task.StageResult) {
	if t.State.Terminal() {
		e.logger.Debug("dropping stage result for finished task",
			zap.String("task_id", t.ID),
			zap.String("stage", res.Stage),
			zap.Int("attempt", res.Attempt),
			zap.String("state", string(t.State)),
		)
		return
	}
	t.StageHistory = append(t.StageHistory, res.Clone())
	if err := e.store.AppendStageResult(ctx, res); err != nil {
		e.logger.Error("failed to persist stage result",
			zap.String("task_id", res.TaskID),
			zap.String("stage", res.Stage),
			zap.Int("attempt", res.Attempt),
			zap.Error(err),
		)
	}
	e.emit(events.StageEvent{Result: res})
}
