// Package liveflags implements the Live Flags key-value store: a small
// set of globally-readable toggles, chiefly the DISABLE_NEW kill switch
// that the Rollback Monitor trips to revert the system to legacy
// behaviour without a restart.
package liveflags

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DisableNewKey is the kill-switch flag name.
const DisableNewKey = "DISABLE_NEW"

// Store is a key-value store for live flags, cached in memory and
// mirrored to sqlite so a restart does not silently clear a tripped
// kill switch.
type Store struct {
	mu    sync.RWMutex
	cache map[string]string
	db    *sql.DB
}

// Open opens (creating if necessary) the live-flags database at dbPath
// and loads any persisted flags into the in-memory cache.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open live flags store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS live_flags (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create live_flags table: %w", err)
	}

	s := &Store{cache: make(map[string]string), db: db}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	rows, err := s.db.Query(`SELECT key, value FROM live_flags`)
	if err != nil {
		return fmt.Errorf("load live flags: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scan live flag: %w", err)
		}
		s.cache[key] = value
	}
	return rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw value of key and whether it was set.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// Set persists key=value, updating both the cache and sqlite.
func (s *Store) Set(key, value string) error {
	if _, err := s.db.Exec(`
INSERT INTO live_flags(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("set live flag %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// Clear removes key entirely.
func (s *Store) Clear(key string) error {
	if _, err := s.db.Exec(`DELETE FROM live_flags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear live flag %q: %w", key, err)
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// IsDisabled reports whether the DISABLE_NEW kill switch is tripped.
func (s *Store) IsDisabled() bool {
	v, ok := s.Get(DisableNewKey)
	return ok && v == "1"
}

// TripKillSwitch sets DISABLE_NEW=1.
func (s *Store) TripKillSwitch() error {
	return s.Set(DisableNewKey, "1")
}

// ResetKillSwitch clears the DISABLE_NEW flag.
func (s *Store) ResetKillSwitch() error {
	return s.Clear(DisableNewKey)
}
