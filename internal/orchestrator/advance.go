package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/backend"
	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/persistence"
	"github.com/aristath/devpipeline/internal/resilience"
	"github.com/aristath/devpipeline/internal/task"
)

// Advance moves a task one step forward. A ready task is routed first. A
// blocking stage runs to completion through retry and circuit breaking and
// its final attempt is returned. A non-blocking stage is started in the
// background and Advance returns nil. Once no stage is left to dispatch,
// Advance waits for background stages and hands the task to the quality
// gate.
func (e *Engine) Advance(ctx context.Context, id string) (*task.StageResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	if err := e.prepare(ctx, id); err != nil {
		return nil, err
	}
	return e.step(ctx, id)
}

// prepare routes a ready task and makes sure a task about to run holds a
// capacity slot for its executor class.
func (e *Engine) prepare(ctx context.Context, id string) error {
	e.mu.Lock()
	t, r, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	switch {
	case t.State.Terminal():
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w: %q", id, task.ErrTerminal, t.State)
	case t.State.Suspended():
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w: %s", id, ErrSuspended, t.State)
	case t.State == task.StatePending:
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrNotReady)
	case t.State == task.StateReady:
		if err := e.routeLocked(ctx, t); err != nil {
			e.mu.Unlock()
			return err
		}
		r = e.runs[id]
	}

	needsLease := t.State == task.StateRouted || t.State == task.StateRunning
	if !needsLease || r.lease != nil {
		e.mu.Unlock()
		return nil
	}
	pools, class := e.pools, t.Executor
	e.mu.Unlock()

	lease, err := pools.Acquire(ctx, class)
	if err != nil {
		return fmt.Errorf("acquire %s capacity for task %s: %w", class, id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t.State.Terminal() {
		lease.Release()
		return fmt.Errorf("task %s: %w: %q", id, task.ErrTerminal, t.State)
	}
	r.lease, r.pools = lease, pools
	e.setInflight(class, pools)
	if t.State == task.StateRouted {
		return e.transitionLocked(ctx, t, task.StateRunning, task.ReasonNone, "")
	}
	return nil
}

// step dispatches the next stage or, with none left, evaluates the gate.
func (e *Engine) step(ctx context.Context, id string) (*task.StageResult, error) {
	e.mu.Lock()
	t, r, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if t.State == task.StateRunning && r.failure != "" {
		detail := r.failure
		e.mu.Unlock()
		return nil, e.failOrRollback(ctx, id, task.ReasonFatalStage, detail)
	}
	if t.State == task.StateQualityCheck {
		e.mu.Unlock()
		return nil, e.evaluateGate(ctx, id)
	}

	if len(r.queue) == 0 {
		if r.background > 0 {
			idle := r.idle
			e.mu.Unlock()
			select {
			case <-idle:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			e.mu.Lock()
			if t.State.Terminal() {
				e.mu.Unlock()
				return nil, nil
			}
			if r.failure != "" {
				detail := r.failure
				e.mu.Unlock()
				return nil, e.failOrRollback(ctx, id, task.ReasonFatalStage, detail)
			}
		}
		err := e.transitionLocked(ctx, t, task.StateQualityCheck, task.ReasonNone, "")
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, e.evaluateGate(ctx, id)
	}

	name := r.queue[0]
	r.queue = r.queue[1:]
	stage, ok := r.pattern.Stage(name)
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("task %s: pattern %s has no stage %q", id, r.pattern.Name, name)
	}
	if stage.Blocking {
		return e.runBlocking(ctx, t, r, stage)
	}
	e.startBackground(t, r, stage)
	e.mu.Unlock()
	return nil, nil
}

// attempt builds the function the resilience layer calls once per attempt.
// e.mu must be held.
func (e *Engine) attempt(t *task.Task, stage pattern.Stage) (resilience.AttemptFunc, error) {
	executor := t.Executor
	if stage.ExecutorHint != "" {
		executor = stage.ExecutorHint
	}
	runner, err := e.registry.Resolve(stage.Name, stage.ExecutorHint, t.Executor)
	if err != nil {
		return nil, err
	}
	snapshot := t.Clone()
	return func(ctx context.Context, attempt int) task.StageResult {
		res := task.StageResult{StartedAt: e.now(), Tags: slices.Clone(stage.Tags)}
		resp, err := runner.Run(ctx, backend.Request{
			Task:     snapshot,
			Stage:    stage.Name,
			Attempt:  attempt,
			Executor: executor,
			Tags:     slices.Clone(stage.Tags),
		})
		res.FinishedAt = e.now()
		switch {
		case err != nil:
			res.Outcome = task.OutcomeFailure
			res.Detail = err.Error()
		case resp.Success:
			res.Outcome = task.OutcomeSuccess
			res.Detail = resp.Detail
			res.Metrics = resp.Metrics
		default:
			res.Outcome = task.OutcomeFailure
			res.Detail = resp.Detail
			res.Metrics = resp.Metrics
		}
		return res
	}, nil
}

// call describes a stage invocation whose attempts land in t's history.
func (e *Engine) call(ctx context.Context, t *task.Task, stage pattern.Stage) resilience.Call {
	return resilience.Call{
		TaskID: t.ID,
		Stage:  stage.Name,
		Tags:   stage.Tags,
		OnAttempt: func(res task.StageResult) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.recordAttemptLocked(ctx, t, res)
		},
	}
}

// stageFailure records a failure that happened before the stage could run.
// e.mu must be held.
func (e *Engine) stageFailureLocked(ctx context.Context, t *task.Task, stage pattern.Stage, detail string) task.StageResult {
	now := e.now()
	res := task.StageResult{
		TaskID:     t.ID,
		Stage:      stage.Name,
		Attempt:    1,
		Outcome:    task.OutcomeFailure,
		StartedAt:  now,
		FinishedAt: now,
		Detail:     detail,
		Tags:       slices.Clone(stage.Tags),
	}
	e.recordAttemptLocked(ctx, t, res)
	return res
}

// runBlocking runs stage to completion and applies its failure policy.
// e.mu must be held on entry; it is released on return.
func (e *Engine) runBlocking(ctx context.Context, t *task.Task, r *run, stage pattern.Stage) (*task.StageResult, error) {
	id := t.ID
	policy := e.cfg.Retry.For(stage.Name)
	fn, resolveErr := e.attempt(t, stage)
	var clone *task.Task
	if stage.NeedsSnapshot() {
		clone = t.Clone()
	}

	// The stage stops when either the caller or the task gives up
	sctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	e.mu.Unlock()

	var final task.StageResult
	var cancelled bool
	switch {
	case resolveErr != nil:
		e.mu.Lock()
		final = e.stageFailureLocked(ctx, t, stage, resolveErr.Error())
		e.mu.Unlock()
	default:
		if clone != nil {
			if _, err := e.rollback.Snapshot(sctx, clone, stage.Name); err != nil {
				e.logger.Warn("snapshot failed", zap.String("task_id", id), zap.String("stage", stage.Name), zap.Error(err))
				e.mu.Lock()
				final = e.stageFailureLocked(ctx, t, stage, fmt.Sprintf("snapshot before %s: %v", stage.Name, err))
				e.mu.Unlock()
				break
			}
		}
		res := e.exec.Execute(sctx, e.call(ctx, t, stage), fn, policy)
		final, cancelled = res.Final, res.Cancelled
	}

	e.mu.Lock()
	if t.State.Terminal() {
		e.mu.Unlock()
		return &final, nil
	}
	if final.Outcome != task.OutcomeSuccess && (cancelled || sctx.Err() != nil) {
		// Not the task's doing: the stage runs again on the next Advance
		r.queue = append([]string{stage.Name}, r.queue...)
		e.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return &final, err
		}
		return &final, context.Canceled
	}

	if final.Outcome == task.OutcomeSuccess {
		if len(r.queue) > 0 || r.background > 0 {
			e.mu.Unlock()
			return &final, nil
		}
		err := e.transitionLocked(ctx, t, task.StateQualityCheck, task.ReasonNone, "")
		e.mu.Unlock()
		if err != nil {
			return &final, err
		}
		return &final, e.evaluateGate(ctx, id)
	}

	r.queue = append([]string{stage.Name}, r.queue...)
	detail := fmt.Sprintf("stage %s failed after %d attempt(s): %s", stage.Name, final.Attempt, final.Detail)
	if stage.OnFailure == pattern.OnFailureFatal {
		e.mu.Unlock()
		return &final, e.failOrRollback(ctx, id, task.ReasonFatalStage, detail)
	}
	err := e.transitionLocked(ctx, t, task.StateBlocked, task.ReasonRetriesExhausted, detail)
	e.mu.Unlock()
	return &final, err
}

// startBackground runs a non-blocking stage on the task's own context.
// e.mu must be held.
func (e *Engine) startBackground(t *task.Task, r *run, stage pattern.Stage) {
	if r.background == 0 {
		r.idle = make(chan struct{})
	}
	r.background++

	policy := e.cfg.Retry.For(stage.Name)
	fn, resolveErr := e.attempt(t, stage)
	ctx := r.ctx
	if resolveErr != nil {
		res := e.stageFailureLocked(ctx, t, stage, resolveErr.Error())
		e.afterBackgroundLocked(t, r, stage, resilience.Result{Final: res, Attempts: []task.StageResult{res}})
		return
	}

	e.logger.Debug("stage started in background", zap.String("task_id", t.ID), zap.String("stage", stage.Name))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.exec.Execute(ctx, e.call(ctx, t, stage), fn, policy)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.afterBackgroundLocked(t, r, stage, res)
	}()
}

// afterBackgroundLocked settles a finished non-blocking stage. A fatal
// failure is parked on the run and ends the task on its next Advance; any
// other failure is left for the gate to weigh.
func (e *Engine) afterBackgroundLocked(t *task.Task, r *run, stage pattern.Stage, res resilience.Result) {
	if !res.Cancelled && res.Final.Outcome == task.OutcomeFailure && stage.OnFailure == pattern.OnFailureFatal && r.failure == "" {
		r.failure = fmt.Sprintf("stage %s failed after %d attempt(s): %s", stage.Name, res.Final.Attempt, res.Final.Detail)
	}
	r.background--
	if r.background == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
	e.logger.Debug("background stage finished",
		zap.String("task_id", t.ID),
		zap.String("stage", stage.Name),
		zap.String("outcome", string(res.Final.Outcome)),
	)
	e.signal()
}

// evaluateGate decides a task in quality_check. The task lock must be held,
// e.mu must not.
func (e *Engine) evaluateGate(ctx context.Context, id string) error {
	e.mu.Lock()
	t, r, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if t.State != task.StateQualityCheck {
		e.mu.Unlock()
		return nil
	}

	cfg := r.pattern.Gate
	if t.Executor != task.ExecutorAutomated {
		cfg.RequireReview = true
	}
	verdict := gate.Evaluate(gate.Input{Results: t.StageHistory, AutoFixesUsed: r.autoFixes}, cfg)
	now := e.now()
	e.emit(events.GateEvent{ID: id, Verdict: verdict, AutoFixesUsed: r.autoFixes, Timestamp: now})
	if err := e.store.SaveGateVerdict(ctx, persistence.GateRecord{
		TaskID:        id,
		Verdict:       verdict,
		AutoFixesUsed: r.autoFixes,
		DecidedAt:     now,
	}); err != nil {
		e.logger.Error("failed to persist gate verdict", zap.String("task_id", id), zap.Error(err))
	}
	e.logger.Info("gate evaluated",
		zap.String("task_id", id),
		zap.String("decision", string(verdict.Decision)),
		zap.Strings("reasons", verdict.Reasons),
	)
	detail := strings.Join(verdict.Reasons, "; ")

	switch verdict.Decision {
	case gate.Pass:
		defer e.mu.Unlock()
		return e.transitionLocked(ctx, t, task.StateSucceeded, task.ReasonNone, detail)
	case gate.HumanReview:
		defer e.mu.Unlock()
		r.review = &ReviewItem{
			Task:    t.Clone(),
			Pattern: r.pattern.Name,
			Reasons: slices.Clone(verdict.Reasons),
			Metrics: verdict.Metrics,
			Since:   now,
		}
		return e.transitionLocked(ctx, t, task.StateReviewing, task.ReasonNone, detail)
	case gate.AutoFix:
		defer e.mu.Unlock()
		r.autoFixes++
		r.queue = append([]string{cfg.AutoFixStage}, failedStages(r.pattern, t.StageHistory)...)
		return e.transitionLocked(ctx, t, task.StateRunning, task.ReasonAutoFix, detail)
	default:
		e.mu.Unlock()
		return e.failOrRollback(ctx, id, task.ReasonGateFailed, detail)
	}
}

// failedStages lists the regular stages of p whose latest result failed, in
// pattern order.
func failedStages(p pattern.Pattern, history []task.StageResult) []string {
	latest := gate.Latest(history)
	plan, _ := p.Plan("")
	var failed []string
	for _, name := range plan {
		if res, ok := latest[name]; ok && res.Outcome == task.OutcomeFailure {
			failed = append(failed, name)
		}
	}
	return failed
}
