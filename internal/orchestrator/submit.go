package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/scheduler"
	"github.com/aristath/devpipeline/internal/task"
)

// ErrInvalidTask is returned for a submission that can never run.
var ErrInvalidTask = errors.New("invalid task")

// SubmitTask adds one task and returns its id.
func (e *Engine) SubmitTask(ctx context.Context, t task.Task) (string, error) {
	ids, err := e.SubmitBatch(ctx, []task.Task{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch adds tasks atomically. Tasks without an id get a UUID;
// dependencies may point at tasks already known or anywhere in the batch.
// A duplicate id, an unknown dependency or a cycle rejects the whole batch.
func (e *Engine) SubmitBatch(ctx context.Context, batch []task.Task) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	now := e.now()
	added := make([]*task.Task, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for i := range batch {
		t := batch[i].Clone()
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			return nil, fmt.Errorf("%w: task %d has no title", ErrInvalidTask, i)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.State = task.StatePending
		t.ComplexityScore = 0
		t.Scored = false
		t.Executor = ""
		t.DecisionID = ""
		t.Pattern = ""
		t.StageHistory = nil
		t.Reason = task.ReasonNone
		t.CreatedAt = now
		t.UpdatedAt = now
		added = append(added, t)
		ids = append(ids, t.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	all := make([]*task.Task, 0, len(e.tasks)+len(added))
	for _, t := range e.tasks {
		all = append(all, t)
	}
	all = append(all, added...)
	graph, err := scheduler.Build(all)
	if err != nil {
		return nil, fmt.Errorf("rejected %d task(s): %w", len(added), err)
	}

	if err := e.store.SaveTasks(ctx, added); err != nil {
		return nil, fmt.Errorf("persist tasks: %w", err)
	}
	e.graph = graph
	for _, t := range added {
		e.tasks[t.ID] = t
		e.emit(events.TaskCreatedEvent{
			ID:           t.ID,
			Title:        t.Title,
			Dependencies: append([]string(nil), t.Dependencies...),
			Timestamp:    now,
		})
	}
	e.logger.Info("tasks submitted", zap.Int("count", len(added)), zap.Int("known", len(e.tasks)))

	e.sweepLocked(ctx)
	e.signal()
	return ids, nil
}
