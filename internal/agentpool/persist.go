package agentpool

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CooldownStore persists agent cooldown/failed-until timestamps so a
// restarted process does not hand out an agent that is still recovering.
type CooldownStore struct {
	db *sql.DB
}

// OpenCooldownStore opens (or creates) a sqlite-backed cooldown store.
func OpenCooldownStore(dbPath string) (*CooldownStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cooldown store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_cooldowns (
		agent_id       TEXT PRIMARY KEY,
		cooldown_until INTEGER NOT NULL DEFAULT 0,
		failed_until   INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create agent_cooldowns table: %w", err)
	}
	return &CooldownStore{db: db}, nil
}

// Close releases the underlying database handle.
func (c *CooldownStore) Close() error {
	return c.db.Close()
}

// Save persists an agent's cooldown/failed-until timestamps. Intended to
// be passed to Pool.SetPersistFunc.
func (c *CooldownStore) Save(agentID string, cooldownUntil, failedUntil time.Time) {
	_, _ = c.db.Exec(`INSERT INTO agent_cooldowns (agent_id, cooldown_until, failed_until)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			cooldown_until=excluded.cooldown_until, failed_until=excluded.failed_until`,
		agentID, cooldownUntil.Unix(), failedUntil.Unix())
}

// Load restores persisted cooldown state into pool, intended for use at
// startup before the pool serves any assignment.
func (c *CooldownStore) Load(pool *Pool) error {
	rows, err := c.db.Query(`SELECT agent_id, cooldown_until, failed_until FROM agent_cooldowns`)
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agentID string
		var cooldownUnix, failedUnix int64
		if err := rows.Scan(&agentID, &cooldownUnix, &failedUnix); err != nil {
			return fmt.Errorf("scan cooldown row: %w", err)
		}
		pool.restoreCooldown(agentID, unixOrZero(cooldownUnix), unixOrZero(failedUnix))
	}
	return rows.Err()
}

func unixOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// restoreCooldown sets an agent's persisted cooldown/failed-until state
// directly, bypassing the normal completion flow. Used only at startup.
func (p *Pool) restoreCooldown(agentID string, cooldownUntil, failedUntil time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(agentID)
	if a == nil {
		return
	}
	a.CooldownUntil = cooldownUntil
	a.FailedUntil = failedUntil
	p.healCooldownLocked(a, p.nowFn())
}
