package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

// RecordTransition saves t and appends tr in one transaction.
func (s *SQLiteStore) RecordTransition(ctx context.Context, t *task.Task, tr task.Transition) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertTask(ctx, tx, t); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transitions (seq, task_id, from_state, to_state, reason, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, int64(tr.Seq), tr.TaskID, string(tr.From), string(tr.To), string(tr.Reason), tr.Detail, nanos(tr.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert transition %d for %s: %w", tr.Seq, tr.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Transitions returns the transitions of taskID in sequence order.
func (s *SQLiteStore) Transitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_id, from_state, to_state, reason, detail, timestamp
		FROM transitions
		WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []task.Transition
	for rows.Next() {
		var (
			tr               task.Transition
			seq, ts          int64
			from, to, reason string
		)
		if err := rows.Scan(&seq, &tr.TaskID, &from, &to, &reason, &tr.Detail, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.Seq = uint64(seq)
		tr.From = task.State(from)
		tr.To = task.State(to)
		tr.Reason = task.Reason(reason)
		tr.Timestamp = fromNanos(ts)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest stored transition sequence number.
func (s *SQLiteStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query last sequence: %w", err)
	}
	return uint64(seq.Int64), nil
}

// AppendStageResult appends one stage attempt.
func (s *SQLiteStore) AppendStageResult(ctx context.Context, r task.StageResult) error {
	tags, err := encode(r.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	metrics, err := encode(r.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_results (task_id, stage, attempt, outcome, started_at, finished_at, detail, backoff, tags, metrics, short_circuit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TaskID, r.Stage, r.Attempt, string(r.Outcome), nanos(r.StartedAt), nanos(r.FinishedAt), r.Detail,
		int64(r.Backoff), tags, metrics, boolInt(r.ShortCircuit))
	if err != nil {
		return fmt.Errorf("failed to insert stage result %s/%s#%d: %w", r.TaskID, r.Stage, r.Attempt, err)
	}
	return nil
}

// StageResults returns every attempt recorded for taskID in append order.
func (s *SQLiteStore) StageResults(ctx context.Context, taskID string) ([]task.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, stage, attempt, outcome, started_at, finished_at, detail, backoff, tags, metrics, short_circuit
		FROM stage_results
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage results: %w", err)
	}
	defer rows.Close()

	var out []task.StageResult
	for rows.Next() {
		var (
			r                       task.StageResult
			outcome                 string
			started, finished, wait int64
			tags, metrics           sql.NullString
			shortCircuit            int
		)
		if err := rows.Scan(&r.TaskID, &r.Stage, &r.Attempt, &outcome, &started, &finished, &r.Detail,
			&wait, &tags, &metrics, &shortCircuit); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		r.Outcome = task.Outcome(outcome)
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		r.Backoff = time.Duration(wait)
		r.ShortCircuit = shortCircuit != 0
		if err := decode(tags, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode stage tags: %w", err)
		}
		if err := decode(metrics, &r.Metrics); err != nil {
			return nil, fmt.Errorf("decode stage metrics: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage results: %w", err)
	}
	return out, nil
}

// SaveDecision stores a routing decision. Decisions are immutable; saving
// the same ID twice is an error.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d task.RoutingDecision) error {
	reasoning, err := encode(d.Reasoning)
	if err != nil {
		return fmt.Errorf("encode reasoning: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (id, task_id, executor, composite, confidence, reasoning, previous_id, note, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TaskID, string(d.Executor), d.Composite, d.Confidence, reasoning, d.PreviousID, d.Note, nanos(d.DecidedAt))
	if err != nil {
		return fmt.Errorf("failed to insert routing decision %s: %w", d.ID, err)
	}
	return nil
}

// Decisions returns the routing decisions of taskID, oldest first.
func (s *SQLiteStore) Decisions(ctx context.Context, taskID string) ([]task.RoutingDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executor, composite, confidence, reasoning, previous_id, note, decided_at
		FROM routing_decisions
		WHERE task_id = ?
		ORDER BY decided_at, rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	defer rows.Close()

	var out []task.RoutingDecision
	for rows.Next() {
		var (
			d         task.RoutingDecision
			executor  string
			reasoning sql.NullString
			decidedAt int64
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &executor, &d.Composite, &d.Confidence, &reasoning,
			&d.PreviousID, &d.Note, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		d.Executor = task.ExecutorClass(executor)
		d.DecidedAt = fromNanos(decidedAt)
		if err := decode(reasoning, &d.Reasoning); err != nil {
			return nil, fmt.Errorf("decode reasoning: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing decisions: %w", err)
	}
	return out, nil
}

// SaveGateVerdict appends a gate verdict.
func (s *SQLiteStore) SaveGateVerdict(ctx context.Context, rec GateRecord) error {
	reasons, err := encode(rec.Verdict.Reasons)
	if err != nil {
		return fmt.Errorf("encode reasons: %w", err)
	}
	metrics, err := encode(rec.Verdict.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_verdicts (task_id, decision, reasons, metrics, auto_fixes_used, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, string(rec.Verdict.Decision), reasons, metrics, rec.AutoFixesUsed, nanos(rec.DecidedAt))
	if err != nil {
		return fmt.Errorf("failed to insert gate verdict for %s: %w", rec.TaskID, err)
	}
	return nil
}

// GateVerdicts returns the gate verdicts of taskID, oldest first.
func (s *SQLiteStore) GateVerdicts(ctx context.Context, taskID string) ([]GateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, decision, reasons, metrics, auto_fixes_used, decided_at
		FROM gate_verdicts
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate verdicts: %w", err)
	}
	defer rows.Close()

	var out []GateRecord
	for rows.Next() {
		var (
			rec              GateRecord
			decision         string
			reasons, metrics sql.NullString
			decidedAt        int64
		)
		if err := rows.Scan(&rec.TaskID, &decision, &reasons, &metrics, &rec.AutoFixesUsed, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate verdict: %w", err)
		}
		rec.Verdict.Decision = gate.Decision(decision)
		rec.DecidedAt = fromNanos(decidedAt)
		if err := decode(reasons, &rec.Verdict.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons: %w", err)
		}
		if err := decode(metrics, &rec.Verdict.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gate verdicts: %w", err)
	}
	return out, nil
}
