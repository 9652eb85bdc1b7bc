package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are Unix nanoseconds; list-valued columns hold JSON.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		criticality INTEGER NOT NULL DEFAULT 0,
		tags TEXT,
		signals TEXT,
		estimate TEXT,
		deadline INTEGER NOT NULL DEFAULT 0,
		complexity_score REAL NOT NULL DEFAULT 0,
		scored INTEGER NOT NULL DEFAULT 0,
		executor TEXT NOT NULL DEFAULT '',
		decision_id TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS stage_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		backoff INTEGER NOT NULL DEFAULT 0,
		tags TEXT,
		metrics TEXT,
		short_circuit INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_stage_results_task_id ON stage_results(task_id, id);

	CREATE TABLE IF NOT EXISTS transitions (
		seq INTEGER PRIMARY KEY,
		task_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_task_id ON transitions(task_id, seq);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		executor TEXT NOT NULL,
		composite REAL NOT NULL,
		confidence REAL NOT NULL,
		reasoning TEXT,
		previous_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		decided_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_routing_decisions_task_id ON routing_decisions(task_id, decided_at);

	CREATE TABLE IF NOT EXISTS gate_verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		reasons TEXT,
		metrics TEXT,
		auto_fixes_used INTEGER NOT NULL DEFAULT 0,
		decided_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_gate_verdicts_task_id ON gate_verdicts(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
