// Package persistence stores tasks, stage attempts, transitions, routing
// decisions and gate verdicts in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

// GateRecord is a stored quality-gate verdict.
type GateRecord struct {
	TaskID        string       `json:"task_id"`
	Verdict       gate.Verdict `json:"verdict"`
	AutoFixesUsed int          `json:"auto_fixes_used"`
	DecidedAt     time.Time    `json:"decided_at"`
}

// Store defines the persistence interface for the task-state store.
type Store interface {
	// Tasks. Stage history is not written by SaveTask; it is loaded from
	// the stage results on read.
	SaveTask(ctx context.Context, t *task.Task) error
	SaveTasks(ctx context.Context, tasks []*task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)

	// RecordTransition saves t and appends tr in one transaction.
	RecordTransition(ctx context.Context, t *task.Task, tr task.Transition) error
	Transitions(ctx context.Context, taskID string) ([]task.Transition, error)
	LastSeq(ctx context.Context) (uint64, error)

	AppendStageResult(ctx context.Context, r task.StageResult) error
	StageResults(ctx context.Context, taskID string) ([]task.StageResult, error)

	SaveDecision(ctx context.Context, d task.RoutingDecision) error
	Decisions(ctx context.Context, taskID string) ([]task.RoutingDecision, error)

	SaveGateVerdict(ctx context.Context, rec GateRecord) error
	GateVerdicts(ctx context.Context, taskID string) ([]GateRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite applies _pragma parameters on every new connection
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own shared-cache database so connections see the same
// data while separate stores stay isolated.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:devpipe-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for follow-up reads
	db.SetMaxOpenConns(2)

	// Fails early when the driver ignored the pragma parameters
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// beginTx starts a serializable (BEGIN IMMEDIATE) transaction.
func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// encode stores v as JSON; nil and empty values become NULL.
func encode(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	switch string(data) {
	case "null", "[]", "{}":
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decode(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
