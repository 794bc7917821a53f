package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/logging"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id       TEXT PRIMARY KEY,
	path              TEXT NOT NULL,
	label             TEXT,
	tick              INTEGER NOT NULL,
	node_count        INTEGER NOT NULL,
	edge_count        INTEGER NOT NULL,
	total_transitions INTEGER NOT NULL,
	evolved_nodes     INTEGER NOT NULL,
	created_at        TEXT NOT NULL
);
`

// #endregion schema

// #region open
func openLedger(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema + logging.TickLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// ledger returns the ledger connection, creating the store directory on
// first use when create is set.
func (s *Store) ledger(create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	path := filepath.Join(s.dir, LedgerFile)
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
	} else if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := openLedger(path)
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

// Close closes the ledger.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// #endregion open

// #region record
func (s *Store) recordSnapshot(info SnapshotInfo, meta Metadata) error {
	db, err := s.ledger(true)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO snapshots (snapshot_id, path, label, tick, node_count, edge_count, total_transitions, evolved_nodes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Path, nullIfEmpty(info.Label), int64(meta.Tick), meta.NodeCount, meta.EdgeCount,
		int64(meta.TotalTransitions), meta.EvolvedNodes, meta.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// RecordTick writes a tick result to the tick log.
func (s *Store) RecordTick(r automaton.TickResult) error {
	return s.recordTick(r, "continue", "")
}

// RecordRun writes every result of a run, marking the final tick with the
// run's outcome.
func (s *Store) RecordRun(sum automaton.RunSummary) error {
	for i, r := range sum.Results {
		decision, reason := "continue", ""
		if i == len(sum.Results)-1 {
			reason = sum.Reason
			if sum.Converged {
				decision = "converged"
			} else {
				decision = "max_ticks"
			}
		}
		if err := s.recordTick(r, decision, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recordTick(r automaton.TickResult, decision, reason string) error {
	db, err := s.ledger(true)
	if err != nil {
		return err
	}
	e, err := tickEntry(r, decision, reason)
	if err != nil {
		return err
	}
	return logging.LogTick(db, e)
}

// backfillTicks logs results missing from the tick log, leaving entries
// already written by an observer or RecordRun untouched.
func (s *Store) backfillTicks(results []automaton.TickResult) error {
	if len(results) == 0 {
		return nil
	}
	db, err := s.ledger(true)
	if err != nil {
		return err
	}
	for _, r := range results {
		e, err := tickEntry(r, "continue", "")
		if err != nil {
			return err
		}
		if err := logging.BackfillTick(db, e); err != nil {
			return err
		}
	}
	return nil
}

func tickEntry(r automaton.TickResult, decision, reason string) (logging.TickEntry, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return logging.TickEntry{}, fmt.Errorf("%w: encode tick %d: %v", ErrStateSerialization, r.Tick, err)
	}
	return logging.TickEntry{
		Tick:       r.Tick,
		Changed:    r.Changed,
		Unchanged:  r.Unchanged,
		Failures:   len(r.Failures),
		Decision:   decision,
		Reason:     reason,
		ResultJSON: string(data),
		CreatedAt:  r.StartedAt.Add(r.Duration).UTC(),
	}, nil
}

// Observer returns a function for automaton.WithObserver that logs every
// committed tick. Write errors are logged and otherwise ignored.
func (s *Store) Observer() func(automaton.TickResult) {
	return func(r automaton.TickResult) {
		if err := s.RecordTick(r); err != nil {
			s.log.Warn().Err(err).Uint64("tick", r.Tick).Msg("record tick failed")
		}
	}
}

// #endregion record

// #region read
// LoadTickHistory returns logged results with from <= tick <= to.
func (s *Store) LoadTickHistory(from, to uint64) ([]automaton.TickResult, error) {
	db, err := s.ledger(false)
	if err != nil {
		return nil, err
	}
	entries, err := logging.ReadTicks(db, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]automaton.TickResult, 0, len(entries))
	for _, e := range entries {
		var r automaton.TickResult
		if err := json.Unmarshal([]byte(e.ResultJSON), &r); err != nil {
			return nil, fmt.Errorf("%w: tick %d: %v", ErrStateSerialization, e.Tick, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) ledgerStats(st *Stats) error {
	db, err := s.ledger(false)
	if err != nil {
		return err
	}
	var created string
	err = db.QueryRow(
		`SELECT tick, node_count, edge_count, total_transitions, created_at
		 FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	).Scan(&st.Tick, &st.NodeCount, &st.EdgeCount, &st.TotalTransitions, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("query snapshots: %w", err)
	default:
		st.LastModified, _ = time.Parse(time.RFC3339Nano, created)
	}

	count, last, err := logging.CountTicks(db)
	if err != nil {
		return err
	}
	st.LoggedTicks = count
	if last > st.Tick {
		st.Tick = last
	}
	return nil
}

func (s *Store) forgetSnapshot(path string) error {
	db, err := s.ledger(false)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM snapshots WHERE path = ?`, path); err != nil {
		return fmt.Errorf("forget snapshot: %w", err)
	}
	return nil
}

// #endregion read

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
