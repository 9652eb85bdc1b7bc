package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/devpipeline/internal/task"
)

const taskColumns = `id, title, description, state, priority, criticality, tags, signals, estimate,
	deadline, complexity_score, scored, executor, decision_id, pattern, reason, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	return s.SaveTasks(ctx, []*task.Task{t})
}

// SaveTasks saves a batch atomically. Dependencies may point at tasks in the
// same batch regardless of order.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*task.Task) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Rows first so dependency foreign keys resolve within the batch
	for _, t := range tasks {
		if err := upsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if err := replaceDependencies(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTask(ctx context.Context, tx execer, t *task.Task) error {
	tags, err := encode(t.Tags)
	if err != nil {
		return fmt.Errorf("encode tags of %s: %w", t.ID, err)
	}
	signals, err := encode(t.Signals)
	if err != nil {
		return fmt.Errorf("encode signals of %s: %w", t.ID, err)
	}
	estimate, err := encode(t.Estimate)
	if err != nil {
		return fmt.Errorf("encode estimate of %s: %w", t.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			state = excluded.state,
			priority = excluded.priority,
			criticality = excluded.criticality,
			tags = excluded.tags,
			signals = excluded.signals,
			estimate = excluded.estimate,
			deadline = excluded.deadline,
			complexity_score = excluded.complexity_score,
			scored = excluded.scored,
			executor = excluded.executor,
			decision_id = excluded.decision_id,
			pattern = excluded.pattern,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, t.Description, string(t.State), int(t.Priority), int(t.Criticality), tags, signals, estimate,
		nanos(t.Deadline), t.ComplexityScore, boolInt(t.Scored), string(t.Executor), t.DecisionID, t.Pattern,
		string(t.Reason), nanos(t.CreatedAt), nanos(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

func replaceDependencies(ctx context.Context, tx execer, t *task.Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for _, depID := range t.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, t.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var (
		state, executor, reason        string
		priority, criticality, scored  int
		tags, signals, estimate        sql.NullString
		deadline, createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &state, &priority, &criticality, &tags, &signals, &estimate,
		&deadline, &t.ComplexityScore, &scored, &executor, &t.DecisionID, &t.Pattern, &reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.State = task.State(state)
	t.Priority = task.Priority(priority)
	t.Criticality = task.Priority(criticality)
	t.Scored = scored != 0
	t.Executor = task.ExecutorClass(executor)
	t.Reason = task.Reason(reason)
	t.Deadline = fromNanos(deadline)
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)

	if err := decode(tags, &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", t.ID, err)
	}
	if err := decode(signals, &t.Signals); err != nil {
		return nil, fmt.Errorf("decode signals of %s: %w", t.ID, err)
	}
	if err := decode(estimate, &t.Estimate); err != nil {
		return nil, fmt.Errorf("decode estimate of %s: %w", t.ID, err)
	}
	return t, nil
}

// GetTask retrieves a task by ID, including its dependencies and stage history.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if err := s.loadRelations(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	for _, t := range tasks {
		if err := s.loadRelations(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLiteStore) loadRelations(ctx context.Context, t *task.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.Dependencies = append(t.Dependencies, depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	rows.Close()

	history, err := s.StageResults(ctx, t.ID)
	if err != nil {
		return err
	}
	t.StageHistory = history
	return nil
}
