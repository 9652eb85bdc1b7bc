// Package rollback keeps pre-stage snapshots of tasks and restores them after
// unrecoverable failures.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/task"
)

// ErrNoSnapshotAvailable is returned by Rollback for a task without snapshots.
// Callers fail the task instead of retrying.
var ErrNoSnapshotAvailable = errors.New("no snapshot available")

// Checkpointer captures and restores the workspace a task works in.
type Checkpointer interface {
	Checkpoint(ctx context.Context, taskID, stage string) (ref string, err error)
	Restore(ctx context.Context, ref string) error
}

// Snapshot is the state of a task captured immediately before a stage.
type Snapshot struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	BeforeStage string     `json:"before_stage"`
	Captured    *task.Task `json:"captured"`
	Workspace   string     `json:"workspace,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ShouldSnapshot reports whether a snapshot is taken before stage.
func ShouldSnapshot(stage pattern.Stage) bool {
	return stage.NeedsSnapshot()
}

// Engine owns every snapshot. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	snapshots map[string][]Snapshot
	cp        Checkpointer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpointer captures the workspace alongside the task state.
func WithCheckpointer(cp Checkpointer) Option {
	return func(e *Engine) { e.cp = cp }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		snapshots: make(map[string][]Snapshot),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot captures t before stage runs.
func (e *Engine) Snapshot(ctx context.Context, t *task.Task, stage string) (Snapshot, error) {
	snap := Snapshot{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		BeforeStage: stage,
		Captured:    t.Clone(),
		CreatedAt:   e.now(),
	}
	if e.cp != nil {
		ref, err := e.cp.Checkpoint(ctx, t.ID, stage)
		if err != nil {
			return Snapshot{}, fmt.Errorf("checkpoint workspace for task %s before %s: %w", t.ID, stage, err)
		}
		snap.Workspace = ref
	}

	e.mu.Lock()
	e.snapshots[t.ID] = append(e.snapshots[t.ID], snap)
	e.mu.Unlock()

	e.logger.Debug("snapshot taken",
		zap.String("task_id", t.ID),
		zap.String("stage", stage),
		zap.String("snapshot_id", snap.ID),
	)
	return snap, nil
}

// Rollback restores t to its most recent snapshot and marks it rolled back.
// Stage history is kept as is. A task that is already rolled back is
// returned unchanged.
func (e *Engine) Rollback(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.State == task.StateRolledBack {
		return t.Clone(), nil
	}

	e.mu.Lock()
	snaps := e.snapshots[t.ID]
	var snap Snapshot
	if len(snaps) > 0 {
		snap = snaps[len(snaps)-1]
	}
	e.mu.Unlock()

	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: task %s", ErrNoSnapshotAvailable, t.ID)
	}

	if snap.Workspace != "" && e.cp != nil {
		if err := e.cp.Restore(ctx, snap.Workspace); err != nil {
			return nil, fmt.Errorf("restore workspace for task %s: %w", t.ID, err)
		}
	}

	restored := snap.Captured.Clone()
	restored.StageHistory = t.Clone().StageHistory
	restored.State = task.StateRolledBack
	restored.Reason = t.Reason
	restored.UpdatedAt = e.now()

	e.logger.Info("task rolled back",
		zap.String("task_id", t.ID),
		zap.String("stage", snap.BeforeStage),
		zap.String("snapshot_id", snap.ID),
	)
	return restored, nil
}

// Snapshots returns the snapshots held for taskID, oldest first.
func (e *Engine) Snapshots(taskID string) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Snapshot(nil), e.snapshots[taskID]...)
}

// Has reports whether at least one snapshot exists for taskID.
func (e *Engine) Has(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.snapshots[taskID]) > 0
}

// Prune drops every snapshot of taskID and returns how many were removed.
func (e *Engine) Prune(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.snapshots[taskID])
	delete(e.snapshots, taskID)
	return n
}

// Len returns the number of snapshots held across all tasks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.snapshots {
		n += len(s)
	}
	return n
}
