package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region tick-entry
// TickEntry is a single row of the tick_log table.
type TickEntry struct {
	Tick       uint64
	Changed    int
	Unchanged  int
	Failures   int
	Decision   string // "continue" | "converged" | "failed"
	Reason     string
	ResultJSON string
	CreatedAt  time.Time
}

// #endregion tick-entry

// TickLogSchema creates the tick_log table.
const TickLogSchema = `
CREATE TABLE IF NOT EXISTS tick_log (
	tick         INTEGER PRIMARY KEY,
	changed      INTEGER NOT NULL,
	unchanged    INTEGER NOT NULL,
	failures     INTEGER NOT NULL,
	decision     TEXT NOT NULL,
	reason       TEXT,
	result_json  TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
`

// #region log-tick
// LogTick writes a tick entry, replacing any earlier entry for the same
// tick.
func LogTick(db *sql.DB, entry TickEntry) error {
	return insertTick(db, entry, `ON CONFLICT(tick) DO UPDATE SET
		   changed = excluded.changed,
		   unchanged = excluded.unchanged,
		   failures = excluded.failures,
		   decision = excluded.decision,
		   reason = excluded.reason,
		   result_json = excluded.result_json,
		   created_at = excluded.created_at`)
}

// BackfillTick writes a tick entry only when the tick is not logged yet.
func BackfillTick(db *sql.DB, entry TickEntry) error {
	return insertTick(db, entry, `ON CONFLICT(tick) DO NOTHING`)
}

func insertTick(db *sql.DB, entry TickEntry, conflict string) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Decision == "" {
		entry.Decision = "continue"
	}

	_, err := db.Exec(
		`INSERT INTO tick_log (tick, changed, unchanged, failures, decision, reason, result_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 `+conflict,
		int64(entry.Tick),
		entry.Changed,
		entry.Unchanged,
		entry.Failures,
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.ResultJSON,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log tick: %w", err)
	}
	return nil
}

// #endregion log-tick

// #region read-ticks
// ReadTicks returns entries with from <= tick <= to in tick order.
func ReadTicks(db *sql.DB, from, to uint64) ([]TickEntry, error) {
	rows, err := db.Query(
		`SELECT tick, changed, unchanged, failures, decision, COALESCE(reason, ''), result_json, created_at
		 FROM tick_log WHERE tick >= ? AND tick <= ? ORDER BY tick`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickEntry
	for rows.Next() {
		var (
			e       TickEntry
			tick    int64
			created string
		)
		if err := rows.Scan(&tick, &e.Changed, &e.Unchanged, &e.Failures, &e.Decision, &e.Reason, &e.ResultJSON, &created); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		e.Tick = uint64(tick)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountTicks returns the number of logged ticks and the highest tick.
func CountTicks(db *sql.DB) (count int, last uint64, err error) {
	var top sql.NullInt64
	if err := db.QueryRow(`SELECT COUNT(*), MAX(tick) FROM tick_log`).Scan(&count, &top); err != nil {
		return 0, 0, fmt.Errorf("count ticks: %w", err)
	}
	if top.Valid {
		last = uint64(top.Int64)
	}
	return count, last, nil
}

// #endregion read-ticks

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
