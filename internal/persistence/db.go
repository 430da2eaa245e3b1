// Package persistence provides SQLite-backed storage for the world clock:
// the current timestamp, pending scheduled triggers, async work-item status,
// and the set of already-applied result keys.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/worldclock/internal/calendar"
)

const metaTimestampKey = "current_timestamp"

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clock_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_abs INTEGER NOT NULL,
		target_json TEXT NOT NULL,
		payload TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		recurrence_minutes INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		idem_key TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS applied_results (
		idem_key TEXT PRIMARY KEY,
		result TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_target ON triggers(target_abs, id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// GetMeta reads a value from the clock_meta table.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM clock_meta WHERE key = ?", key)
	return value, err
}

// SetMeta writes a value to the clock_meta table.
func (db *DB) SetMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO clock_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

// SaveTimestamp persists the current world timestamp.
func (db *DB) SaveTimestamp(ts calendar.Timestamp) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return db.SetMeta(metaTimestampKey, string(raw))
}

// LoadTimestamp restores the persisted timestamp. The boolean is false when
// no timestamp has been saved yet (fresh database).
func (db *DB) LoadTimestamp() (calendar.Timestamp, bool, error) {
	raw, err := db.GetMeta(metaTimestampKey)
	if err == sql.ErrNoRows {
		return calendar.Timestamp{}, false, nil
	}
	if err != nil {
		return calendar.Timestamp{}, false, err
	}
	var ts calendar.Timestamp
	if err := json.Unmarshal([]byte(raw), &ts); err != nil {
		return calendar.Timestamp{}, false, fmt.Errorf("decode timestamp: %w", err)
	}
	return ts, true, nil
}

// Trigger is a persisted scheduled trigger row.
type Trigger struct {
	ID         int64              `db:"id"`
	TargetAbs  int64              `db:"target_abs"`
	Target     calendar.Timestamp `db:"-"`
	Payload    string             `db:"payload"`
	Owner      string             `db:"owner"`
	Recurrence int64              `db:"recurrence_minutes"` // minutes; 0 = one-shot
}

// InsertTrigger stores a new trigger and fills in its assigned id. Ids are
// allocated monotonically, which gives the deterministic (target, id)
// firing order its tie-break.
func (db *DB) InsertTrigger(t *Trigger) error {
	targetJSON, err := json.Marshal(t.Target)
	if err != nil {
		return err
	}
	res, err := db.conn.Exec(
		`INSERT INTO triggers (target_abs, target_json, payload, owner, recurrence_minutes)
		 VALUES (?, ?, ?, ?, ?)`,
		t.TargetAbs, string(targetJSON), t.Payload, t.Owner, t.Recurrence)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// DeleteTrigger removes a trigger by id. Returns false when no row existed,
// which covers both unknown ids and already-fired one-shot triggers.
func (db *DB) DeleteTrigger(id int64) (bool, error) {
	res, err := db.conn.Exec("DELETE FROM triggers WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CollectDue returns all triggers with target at or before asOfAbs, ordered
// by (target, id). In the same transaction, one-shot triggers are deleted and
// recurring triggers are re-targeted one interval forward, so a trigger is
// never reported due twice for the same crossing.
func (db *DB) CollectDue(asOfAbs int64, cfg *calendar.Config) ([]Trigger, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := collectDueTx(tx, asOfAbs, cfg)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rows, nil
}

// AdvanceState persists the new timestamp and consumes due triggers in one
// transaction. Either both happen or neither does: a failed advance must not
// leave triggers consumed without their notifications ever being published.
func (db *DB) AdvanceState(ts calendar.Timestamp, cfg *calendar.Config) ([]Trigger, error) {
	raw, err := json.Marshal(ts)
	if err != nil {
		return nil, err
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := collectDueTx(tx, cfg.Abs(ts), cfg)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		"INSERT INTO clock_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		metaTimestampKey, string(raw)); err != nil {
		return nil, fmt.Errorf("persist timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rows, nil
}

func collectDueTx(tx *sqlx.Tx, asOfAbs int64, cfg *calendar.Config) ([]Trigger, error) {
	var rows []Trigger
	err := tx.Select(&rows,
		`SELECT id, target_abs, payload, owner, recurrence_minutes
		 FROM triggers WHERE target_abs <= ? ORDER BY target_abs, id`, asOfAbs)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}

	for i := range rows {
		rows[i].Target = cfg.FromAbs(rows[i].TargetAbs)

		if rows[i].Recurrence > 0 {
			nextAbs := rows[i].TargetAbs + rows[i].Recurrence
			nextJSON, err := json.Marshal(cfg.FromAbs(nextAbs))
			if err != nil {
				return nil, err
			}
			if _, err := tx.Exec(
				"UPDATE triggers SET target_abs = ?, target_json = ? WHERE id = ?",
				nextAbs, string(nextJSON), rows[i].ID); err != nil {
				return nil, fmt.Errorf("reschedule trigger %d: %w", rows[i].ID, err)
			}
		} else {
			if _, err := tx.Exec("DELETE FROM triggers WHERE id = ?", rows[i].ID); err != nil {
				return nil, fmt.Errorf("consume trigger %d: %w", rows[i].ID, err)
			}
		}
	}
	return rows, nil
}

// PendingTriggerCount reports how many triggers are waiting to fire.
func (db *DB) PendingTriggerCount() (int, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM triggers")
	return n, err
}

// PendingTriggers returns all waiting triggers in firing order, for the
// startup restore path and the status surface.
func (db *DB) PendingTriggers(cfg *calendar.Config) ([]Trigger, error) {
	var rows []Trigger
	err := db.conn.Select(&rows,
		"SELECT id, target_abs, payload, owner, recurrence_minutes FROM triggers ORDER BY target_abs, id")
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Target = cfg.FromAbs(rows[i].TargetAbs)
	}
	return rows, nil
}

// TriggerByOwner returns an owner's earliest pending trigger, or nil when
// the owner has none. Used by adapters that keep one long-lived recurring
// trigger and must adopt a survivor after an unclean restart.
func (db *DB) TriggerByOwner(owner string, cfg *calendar.Config) (*Trigger, error) {
	var row Trigger
	err := db.conn.Get(&row,
		`SELECT id, target_abs, payload, owner, recurrence_minutes
		 FROM triggers WHERE owner = ? ORDER BY target_abs, id LIMIT 1`, owner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.Target = cfg.FromAbs(row.TargetAbs)
	return &row, nil
}

// WorkItemRow mirrors a dispatcher work item for durability of its status.
type WorkItemRow struct {
	ID       string `db:"id"`
	IdemKey  string `db:"idem_key"`
	Status   string `db:"status"`
	Attempts int    `db:"attempts"`
	Result   string `db:"result"`
	Error    string `db:"error"`
}

// UpsertWorkItem records the latest status of a work item.
func (db *DB) UpsertWorkItem(row WorkItemRow) error {
	_, err := db.conn.Exec(
		`INSERT INTO work_items (id, idem_key, status, attempts, result, error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			result = excluded.result,
			error = excluded.error`,
		row.ID, row.IdemKey, row.Status, row.Attempts, row.Result, row.Error)
	return err
}

// MarkApplied records that a result with the given idempotency key has been
// applied. Returns true the first time and false for every duplicate; the
// duplicate path is how retried completions become no-ops.
func (db *DB) MarkApplied(idemKey, result string) (bool, error) {
	res, err := db.conn.Exec(
		"INSERT OR IGNORE INTO applied_results (idem_key, result) VALUES (?, ?)",
		idemKey, result)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
