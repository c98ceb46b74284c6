package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// SQLiteStore is a persistent, restart-safe Store backed by SQLite. It is
// a reference adapter — production deployments are expected to bind to
// their own roadmap store (out of scope, per spec §1).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) a sqlite-backed task store at dbPath.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		type             TEXT NOT NULL DEFAULT 'task',
		status           TEXT NOT NULL DEFAULT 'pending',
		complexity       INTEGER NOT NULL DEFAULT 1,
		dependencies     TEXT NOT NULL DEFAULT '[]',
		metadata         TEXT NOT NULL DEFAULT '{}',
		exit_criteria    TEXT NOT NULL DEFAULT '',
		required_files   TEXT NOT NULL DEFAULT '[]',
		correlation_id   TEXT NOT NULL DEFAULT '',
		last_attempt_at  INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT '',
		failure_count    INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetTasks(ctx context.Context, filter domain.Filter) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description, type, status, complexity,
		dependencies, metadata, exit_criteria, required_files, correlation_id,
		last_attempt_at, last_error, failure_count FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if matchesFilter(task, filter) {
			out = append(out, task)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, description, type, status, complexity,
		dependencies, metadata, exit_criteria, required_files, correlation_id,
		last_attempt_at, last_error, failure_count FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, fmt.Errorf("get task %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %q: %w", id, err)
	}
	return task, nil
}

func (s *SQLiteStore) GetDependencies(ctx context.Context, id string) ([]domain.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	var deps []domain.Task
	for _, depID := range task.Dependencies {
		dep, err := s.GetTask(ctx, depID)
		if err == nil {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, status domain.TaskStatus, meta map[string]any, correlationID, actor string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Status = status
	applyTransitionMeta(&task, meta)
	task.CorrelationID = correlationID
	return s.upsert(ctx, task)
}

func (s *SQLiteStore) CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	task := domain.Task{
		ID:           spec.ID,
		Title:        spec.Title,
		Description:  spec.Description,
		Type:         spec.Type,
		Status:       domain.StatusPending,
		Complexity:   spec.Complexity,
		Dependencies: spec.Dependencies,
		Metadata:     spec.Metadata,
	}
	if err := s.upsert(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("create task %q: %w", spec.ID, err)
	}
	return task, nil
}

func (s *SQLiteStore) AssignTask(ctx context.Context, id, agentID, correlationID string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata["assigned_agent"] = agentID
	task.CorrelationID = correlationID
	return s.upsert(ctx, task)
}

func (s *SQLiteStore) upsert(ctx context.Context, task domain.Task) error {
	deps, err := json.Marshal(task.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	files, err := json.Marshal(task.RequiredFiles)
	if err != nil {
		return fmt.Errorf("marshal required files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks
		(id, title, description, type, status, complexity, dependencies, metadata,
		 exit_criteria, required_files, correlation_id, last_attempt_at, last_error, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, type=excluded.type,
			status=excluded.status, complexity=excluded.complexity, dependencies=excluded.dependencies,
			metadata=excluded.metadata, exit_criteria=excluded.exit_criteria,
			required_files=excluded.required_files, correlation_id=excluded.correlation_id,
			last_attempt_at=excluded.last_attempt_at, last_error=excluded.last_error,
			failure_count=excluded.failure_count`,
		task.ID, task.Title, task.Description, string(task.Type), string(task.Status), task.Complexity,
		string(deps), string(meta), task.ExitCriteria, string(files), task.CorrelationID,
		task.LastAttemptTime.Unix(), task.LastError, task.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("upsert task %q: %w", task.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		task                                domain.Task
		typ, status, deps, meta, files       string
		lastAttemptUnix                      int64
	)
	if err := row.Scan(&task.ID, &task.Title, &task.Description, &typ, &status, &task.Complexity,
		&deps, &meta, &task.ExitCriteria, &files, &task.CorrelationID,
		&lastAttemptUnix, &task.LastError, &task.FailureCount); err != nil {
		return domain.Task{}, err
	}

	task.Type = domain.TaskType(typ)
	task.Status = domain.TaskStatus(status)
	if lastAttemptUnix > 0 {
		task.LastAttemptTime = time.Unix(lastAttemptUnix, 0).UTC()
	}

	if strings.TrimSpace(deps) != "" {
		_ = json.Unmarshal([]byte(deps), &task.Dependencies)
	}
	if strings.TrimSpace(meta) != "" {
		_ = json.Unmarshal([]byte(meta), &task.Metadata)
	}
	if strings.TrimSpace(files) != "" {
		_ = json.Unmarshal([]byte(files), &task.RequiredFiles)
	}

	return task, nil
}
