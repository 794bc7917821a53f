// Package store persists automaton state under <root>/.self/automaton: the
// structural graph, per-node evolution, tick history and run configuration
// as JSON files, timestamped snapshots, and a SQLite ledger indexing
// snapshots and ticks.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/metrics"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

// #region store
// Store reads and writes one automaton directory. Methods are safe for
// concurrent use; concurrent saves are serialised.
type Store struct {
	root string
	dir  string
	now  func() time.Time
	log  zerolog.Logger

	save sync.Mutex
	mu   sync.Mutex
	db   *sql.DB
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "store").Logger() }
}

// WithClock sets the clock used for metadata and snapshot names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store rooted at root. Nothing is created until the first
// write.
func New(root string, opts ...Option) *Store {
	s := &Store{
		root: root,
		dir:  filepath.Join(root, filepath.FromSlash(DirName)),
		now:  func() time.Time { return time.Now().UTC() },
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the project root.
func (s *Store) Root() string { return s.root }

// Dir returns the automaton directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// #endregion store

// #region save
// SaveSnapshot writes graph, state, tick history and config, then copies
// the state into a new snapshot. It returns the snapshot written.
func (s *Store) SaveSnapshot(a *automaton.Automaton, label string) (SnapshotInfo, error) {
	s.save.Lock()
	defer s.save.Unlock()

	cp := a.Checkpoint()
	st := capture(cp, s.now(), label)
	if err := os.MkdirAll(s.path(SnapshotsDir), 0o755); err != nil {
		return SnapshotInfo{}, fmt.Errorf("create store dir: %w", err)
	}

	if err := writeJSON(s.path(GraphFile), st.Graph); err != nil {
		return SnapshotInfo{}, err
	}
	if err := writeJSON(s.path(StateFile), st); err != nil {
		return SnapshotInfo{}, err
	}
	history := PersistedTickHistory{TotalTicks: st.Metadata.Tick, Results: cp.Results}
	if err := writeJSON(s.path(TickHistoryFile), history); err != nil {
		return SnapshotInfo{}, err
	}
	if err := s.SaveConfig(a.Config()); err != nil {
		return SnapshotInfo{}, err
	}

	ms := st.Metadata.SavedAt.UnixMilli()
	snapPath := s.snapshotPath(ms)
	for exists(snapPath) {
		ms++
		snapPath = s.snapshotPath(ms)
	}
	if err := writeJSON(snapPath, st); err != nil {
		return SnapshotInfo{}, err
	}

	info := SnapshotInfo{
		ID:        st.Metadata.ID,
		Path:      snapPath,
		Timestamp: ms,
		Tick:      st.Metadata.Tick,
		Label:     label,
	}
	if err := s.recordSnapshot(info, st.Metadata); err != nil {
		return SnapshotInfo{}, err
	}
	if err := s.backfillTicks(cp.Results); err != nil {
		return SnapshotInfo{}, err
	}
	metrics.SnapshotsTotal.Inc()

	s.log.Info().
		Str("snapshot", filepath.Base(snapPath)).
		Uint64("tick", info.Tick).
		Int("nodes", st.Metadata.NodeCount).
		Msg("snapshot saved")
	return info, nil
}

// Capture copies a consistent checkpoint of a into a PersistedState.
func Capture(a *automaton.Automaton, at time.Time, label string) *PersistedState {
	return capture(a.Checkpoint(), at, label)
}

func capture(cp automaton.Checkpoint, at time.Time, label string) *PersistedState {
	st := &PersistedState{
		Metadata: Metadata{
			Version:          FormatVersion,
			ID:               uuid.NewString(),
			SavedAt:          at.UTC(),
			Tick:             cp.Tick,
			NodeCount:        cp.Stats.Nodes,
			EdgeCount:        cp.Stats.Edges,
			TotalTransitions: cp.Stats.TotalTransitions,
			EvolvedNodes:     cp.Stats.EvolvedNodes,
			HistoryWindow:    cp.Stats.HistoryWindow,
			Label:            label,
		},
		Graph:  cp.Source,
		Global: cp.Global,
	}
	for _, n := range cp.Nodes {
		st.Nodes = append(st.Nodes, PersistedNode{ID: n.ID, Evolution: n.Evolution})
	}
	return st
}

// SaveConfig writes config.json.
func (s *Store) SaveConfig(cfg automaton.Config) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return writeJSON(s.path(ConfigFile), cfg)
}

// SaveGraph writes graph.json alone, before any state exists.
func (s *Store) SaveGraph(g *graph.SourceGraph) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return writeJSON(s.path(GraphFile), g)
}

// #endregion save

// #region load
// LoadLatest reads state.json.
func (s *Store) LoadLatest() (*PersistedState, error) {
	return loadState(s.path(StateFile))
}

// LoadSnapshot reads one snapshot file.
func (s *Store) LoadSnapshot(path string) (*PersistedState, error) {
	return loadState(path)
}

// LoadGraph reads graph.json.
func (s *Store) LoadGraph() (*graph.SourceGraph, error) {
	var g graph.SourceGraph
	if err := readJSON(s.path(GraphFile), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadConfig reads config.json.
func (s *Store) LoadConfig() (automaton.Config, error) {
	var cfg automaton.Config
	if err := readJSON(s.path(ConfigFile), &cfg); err != nil {
		return automaton.Config{}, err
	}
	return cfg, nil
}

// LoadTickResults reads tick_history.json.
func (s *Store) LoadTickResults() (*PersistedTickHistory, error) {
	var h PersistedTickHistory
	if err := readJSON(s.path(TickHistoryFile), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func loadState(path string) (*PersistedState, error) {
	var st PersistedState
	if err := readJSON(path, &st); err != nil {
		return nil, err
	}
	if st.Graph == nil {
		return nil, fmt.Errorf("%w: %s: missing graph", ErrStateSerialization, path)
	}
	for _, n := range st.Nodes {
		if n.Evolution == nil {
			return nil, fmt.Errorf("%w: %s: node %d has no evolution", ErrStateSerialization, path, n.ID)
		}
	}
	return &st, nil
}

// HasGraph reports whether graph.json exists.
func (s *Store) HasGraph() bool { return exists(s.path(GraphFile)) }

// HasSnapshot reports whether state.json exists.
func (s *Store) HasSnapshot() bool { return exists(s.path(StateFile)) }

// #endregion load

// #region resume
// Resume rebuilds an automaton from state.json. A zero cfg uses config.json,
// or the defaults when none was saved. The persisted history window always
// wins. Persisted globals are applied before opts.
func (s *Store) Resume(cfg automaton.Config, opts ...automaton.Option) (*automaton.Automaton, error) {
	st, err := s.LoadLatest()
	if err != nil {
		return nil, err
	}
	if cfg == (automaton.Config{}) {
		cfg, err = s.LoadConfig()
		if errors.Is(err, ErrNotFound) {
			cfg, err = automaton.DefaultConfig(), nil
		}
		if err != nil {
			return nil, err
		}
	}
	cfg.HistoryWindow = st.Metadata.HistoryWindow

	opts = append([]automaton.Option{automaton.WithGlobal(st.Global)}, opts...)
	a, err := automaton.FromSourceGraph(st.Graph, cfg, opts...)
	switch {
	case errors.Is(err, temporal.ErrGraphConstruction), errors.Is(err, state.ErrInvalidHistoryWindow):
		return nil, fmt.Errorf("%w: resume: %w", ErrStateSerialization, err)
	case err != nil:
		return nil, fmt.Errorf("resume: %w", err)
	}
	for _, n := range st.Nodes {
		// state.json disagreeing with its own graph is a corrupt file
		if err := a.Graph().RestoreEvolution(n.ID, n.Evolution); err != nil {
			return nil, fmt.Errorf("%w: resume: %w", ErrStateSerialization, err)
		}
	}

	var results []automaton.TickResult
	switch h, err := s.LoadTickResults(); {
	case err == nil:
		results = h.Results
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	a.Restore(st.Metadata.Tick, results)

	s.log.Info().
		Uint64("tick", st.Metadata.Tick).
		Int("nodes", len(st.Nodes)).
		Msg("automaton resumed")
	return a, nil
}

// #endregion resume

// #region snapshots
func (s *Store) snapshotPath(ms int64) string {
	return filepath.Join(s.dir, SnapshotsDir, strconv.FormatInt(ms, 10)+".json")
}

// ListSnapshots returns snapshots newest first. Ledger details are filled
// in when the ledger knows the file.
func (s *Store) ListSnapshots() ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(s.path(SnapshotsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []SnapshotInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, SnapshotInfo{Path: s.snapshotPath(ms), Timestamp: ms})
	}
	slices.SortFunc(out, func(a, b SnapshotInfo) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return 0
	})

	if db, err := s.ledger(false); err == nil {
		for i := range out {
			var label sql.NullString
			var tick int64
			err := db.QueryRow(`SELECT snapshot_id, tick, label FROM snapshots WHERE path = ?`, out[i].Path).
				Scan(&out[i].ID, &tick, &label)
			if err == nil {
				out[i].Tick = uint64(tick)
				out[i].Label = label.String
			}
		}
	}
	return out, nil
}

// PruneSnapshots removes all but the newest keep snapshots and returns how
// many were removed.
func (s *Store) PruneSnapshots(keep int) (int, error) {
	s.save.Lock()
	defer s.save.Unlock()

	snaps, err := s.ListSnapshots()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for _, snap := range snaps[min(keep, len(snaps)):] {
		if err := os.Remove(snap.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove snapshot: %w", err)
		}
		if err := s.forgetSnapshot(snap.Path); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Int("kept", keep).Msg("snapshots pruned")
	}
	return removed, nil
}

// #endregion snapshots

// #region stats
// Stats summarises the store. A store that was never written reports zero
// values.
func (s *Store) Stats() (Stats, error) {
	st := Stats{HasState: s.HasSnapshot(), HasGraph: s.HasGraph()}
	if err := s.ledgerStats(&st); err != nil && !errors.Is(err, ErrNotFound) {
		return st, err
	}

	snaps, err := s.ListSnapshots()
	if err != nil {
		return st, err
	}
	st.SnapshotCount = len(snaps)

	err = filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.FileCount++
		st.TotalSize += info.Size()
		if st.LastModified.IsZero() && d.Name() == StateFile {
			st.LastModified = info.ModTime().UTC()
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return st, fmt.Errorf("walk store: %w", err)
	}
	return st, nil
}

// Clean removes the automaton directory.
func (s *Store) Clean() error {
	s.save.Lock()
	defer s.save.Unlock()
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clean store: %w", err)
	}
	s.log.Info().Str("dir", s.dir).Msg("store cleaned")
	return nil
}

// #endregion stats

// #region io
// writeJSON writes v to a temp file beside path and renames it into place.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStateSerialization, filepath.Base(path), err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStateSerialization, path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// #endregion io
