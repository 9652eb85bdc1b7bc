package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

var ErrInvalidReview = errors.New("invalid review")

// ReviewItem is a task waiting for a human decision.
type ReviewItem struct {
	Task    *task.Task         `json:"task"`
	Pattern string             `json:"pattern"`
	Reasons []string           `json:"reasons,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Since   time.Time          `json:"since"`
}

// ReviewFilter narrows the review queue. A zero filter matches everything.
type ReviewFilter struct {
	Executor task.ExecutorClass
}

// ReviewDecision is a reviewer's verdict.
type ReviewDecision string

const (
	Approve ReviewDecision = "approve"
	Reject  ReviewDecision = "reject"
)

// Review is what a reviewer submits for a task in reviewing.
type Review struct {
	Decision ReviewDecision `json:"decision"`
	Notes    string         `json:"notes,omitempty"`
	// ReworkStage is where a rejected task re-enters its pattern; empty
	// means the first stage.
	ReworkStage string `json:"rework_stage,omitempty"`
}

// ListReviewQueue returns the tasks awaiting review, longest waiting first.
func (e *Engine) ListReviewQueue(filter ReviewFilter) []ReviewItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	var items []ReviewItem
	for id, r := range e.runs {
		t := e.tasks[id]
		if r.review == nil || t == nil || t.State != task.StateReviewing {
			continue
		}
		if filter.Executor != "" && t.Executor != filter.Executor {
			continue
		}
		item := *r.review
		item.Task = t.Clone()
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Since.Equal(items[j].Since) {
			return items[i].Since.Before(items[j].Since)
		}
		return items[i].Task.ID < items[j].Task.ID
	})
	return items
}

// SubmitReview records a human decision on a task in reviewing. Approval
// completes the task; rejection sends it back to running at the rework
// stage, keeping the results of the stages before it.
func (e *Engine) SubmitReview(ctx context.Context, id string, review Review) error {
	if review.Decision != Approve && review.Decision != Reject {
		return fmt.Errorf("%w: decision %q", ErrInvalidReview, review.Decision)
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, r, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.State != task.StateReviewing {
		return fmt.Errorf("%w: task %s is %s, not reviewing", task.ErrInvalidTransition, id, t.State)
	}

	if review.Decision == Approve {
		e.logger.Info("review approved", zap.String("task_id", id))
		return e.transitionLocked(ctx, t, task.StateSucceeded, task.ReasonNone, review.Notes)
	}

	queue, err := r.pattern.Plan(review.ReworkStage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}
	if len(queue) == 0 {
		return fmt.Errorf("%w: nothing to rework from %q", ErrInvalidReview, review.ReworkStage)
	}
	r.queue = queue
	e.logger.Info("review rejected",
		zap.String("task_id", id),
		zap.String("rework_stage", queue[0]),
	)
	detail := "rework from " + queue[0]
	if review.Notes != "" {
		detail += ": " + review.Notes
	}
	return e.transitionLocked(ctx, t, task.StateRunning, task.ReasonRework, detail)
}

// Unblock resumes a blocked task; the stage that exhausted its retries runs
// again on the next Advance.
func (e *Engine) Unblock(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	t, r, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.State != task.StateBlocked {
		return fmt.Errorf("%w: task %s is %s, not blocked", task.ErrInvalidTransition, id, t.State)
	}
	if len(r.queue) == 0 {
		// Blocked with nothing queued only happens after a restart
		r.queue = failedStages(r.pattern, t.StageHistory)
	}
	return e.transitionLocked(ctx, t, task.StateRunning, task.ReasonNone, "unblocked")
}

// reviewItem rebuilds the review entry of a task recovered in reviewing.
func reviewItem(t *task.Task, r *run, verdict *gate.Verdict, since time.Time) *ReviewItem {
	item := &ReviewItem{Task: t.Clone(), Pattern: r.pattern.Name, Since: since}
	if verdict != nil {
		item.Reasons = verdict.Reasons
		item.Metrics = verdict.Metrics
	}
	return item
}
