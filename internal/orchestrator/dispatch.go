package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/devpipeline/internal/task"
)

// Run dispatches runnable tasks until ctx is cancelled. Every dispatch is
// one Advance in its own goroutine; a finished step, a submission or a
// freed capacity slot wakes the loop again.
func (e *Engine) Run(ctx context.Context) error {
	return e.dispatch(ctx, false)
}

// Drain dispatches until nothing is runnable and nothing is in flight.
// Tasks left blocked or reviewing stay suspended.
func (e *Engine) Drain(ctx context.Context) error {
	return e.dispatch(ctx, true)
}

func (e *Engine) dispatch(ctx context.Context, drain bool) error {
	g, gctx := errgroup.WithContext(ctx)

loop:
	for {
		ids, idle := e.claimRunnable()
		for _, id := range ids {
			g.Go(func() error {
				e.dispatchOne(gctx, id)
				return nil
			})
		}
		if drain && idle {
			break
		}

		select {
		case <-gctx.Done():
			break loop
		case <-e.ctx.Done():
			break loop
		case <-e.wake:
		}
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ctx.Err() != nil {
		return errors.New("engine closed")
	}
	return nil
}

// dispatchOne advances one claimed task and hands it back.
func (e *Engine) dispatchOne(ctx context.Context, id string) {
	_, err := e.Advance(ctx, id)

	e.mu.Lock()
	delete(e.busy, id)
	if err != nil && ctx.Err() == nil {
		if r := e.runs[id]; r != nil {
			r.stalled = true
		}
		if !errors.Is(err, task.ErrTerminal) {
			e.logger.Warn("task step failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	e.mu.Unlock()
	e.signal()
}

// claimRunnable marks every runnable task busy and returns them in graph
// order. idle reports that nothing is runnable or in flight.
func (e *Engine) claimRunnable() (ids []string, idle bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inFlight := len(e.busy) > 0
	for _, id := range e.graph.Order() {
		t, r := e.tasks[id], e.runs[id]
		if r != nil && r.background > 0 {
			inFlight = true
		}
		if e.busy[id] || !e.runnableLocked(t, r) {
			continue
		}
		e.busy[id] = true
		ids = append(ids, id)
	}
	return ids, len(ids) == 0 && !inFlight
}

// runnableLocked reports whether an Advance on t would make progress now.
func (e *Engine) runnableLocked(t *task.Task, r *run) bool {
	if r != nil && r.stalled {
		return false
	}
	switch t.State {
	case task.StateReady, task.StateQualityCheck:
		return true
	case task.StateRouted:
		return !e.pools.Saturated(t.Executor)
	case task.StateRunning:
		if r == nil {
			return false
		}
		if r.lease == nil && e.pools.Saturated(t.Executor) {
			return false
		}
		return len(r.queue) > 0 || r.background == 0 || r.failure != ""
	default:
		return false
	}
}
