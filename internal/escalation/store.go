package escalation

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// Store persists BlockerRecords in sqlite so escalation level survives
// a restart mid-window.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the blocker-record database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open blocker store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS blocker_records (
	task_id           TEXT PRIMARY KEY,
	blocked_at        INTEGER NOT NULL,
	escalation_level  INTEGER NOT NULL,
	last_escalated_at INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create blocker_records table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the BlockerRecord for taskID, if one exists.
func (s *Store) Get(taskID string) (domain.BlockerRecord, bool, error) {
	row := s.db.QueryRow(`SELECT task_id, blocked_at, escalation_level, last_escalated_at FROM blocker_records WHERE task_id = ?`, taskID)

	var rec domain.BlockerRecord
	var blockedAt, lastEscalatedAt int64
	err := row.Scan(&rec.TaskID, &blockedAt, &rec.EscalationLevel, &lastEscalatedAt)
	if err == sql.ErrNoRows {
		return domain.BlockerRecord{}, false, nil
	}
	if err != nil {
		return domain.BlockerRecord{}, false, fmt.Errorf("get blocker record %q: %w", taskID, err)
	}
	rec.BlockedAt = time.Unix(blockedAt, 0).UTC()
	rec.LastEscalatedAt = timeOrZero(lastEscalatedAt)
	return rec, true, nil
}

// Put upserts a BlockerRecord.
func (s *Store) Put(rec domain.BlockerRecord) error {
	_, err := s.db.Exec(`
INSERT INTO blocker_records(task_id, blocked_at, escalation_level, last_escalated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	blocked_at = excluded.blocked_at,
	escalation_level = excluded.escalation_level,
	last_escalated_at = excluded.last_escalated_at`,
		rec.TaskID, rec.BlockedAt.Unix(), rec.EscalationLevel, unixOrZero(rec.LastEscalatedAt))
	if err != nil {
		return fmt.Errorf("put blocker record %q: %w", rec.TaskID, err)
	}
	return nil
}

// PruneExcept deletes every BlockerRecord whose task ID is not in keep
// (the task has left StatusBlocked and its escalation history is done).
func (s *Store) PruneExcept(keep map[string]struct{}) error {
	rows, err := s.db.Query(`SELECT task_id FROM blocker_records`)
	if err != nil {
		return fmt.Errorf("list blocker records: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan blocker record id: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate blocker records: %w", err)
	}

	for _, id := range stale {
		if _, err := s.db.Exec(`DELETE FROM blocker_records WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("delete blocker record %q: %w", id, err)
		}
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
