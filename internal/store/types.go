package store

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

var (
	// ErrNotFound reports a missing store directory or file.
	ErrNotFound = errors.New("not found")
	// ErrStateSerialization reports a corrupt or partial persisted file.
	ErrStateSerialization = errors.New("state serialization")
)

// Layout under the store root.
const (
	DirName         = ".self/automaton"
	GraphFile       = "graph.json"
	StateFile       = "state.json"
	TickHistoryFile = "tick_history.json"
	ConfigFile      = "config.json"
	SnapshotsDir    = "snapshots"
	LedgerFile      = "ledger.db"
)

// FormatVersion is written into every persisted state.
const FormatVersion = 1

// #region persisted
// Metadata describes a persisted state.
type Metadata struct {
	Version          int       `json:"version"`
	ID               string    `json:"id"`
	SavedAt          time.Time `json:"saved_at"`
	Tick             uint64    `json:"tick_count"`
	NodeCount        int       `json:"node_count"`
	EdgeCount        int       `json:"edge_count"`
	TotalTransitions uint64    `json:"total_transitions"`
	EvolvedNodes     int       `json:"evolved_nodes"`
	HistoryWindow    int       `json:"history_window"`
	Label            string    `json:"label,omitempty"`
}

// PersistedNode is one node's evolution.
type PersistedNode struct {
	ID        graph.NodeID             `json:"id"`
	Evolution *state.EvolutionaryState `json:"evolution"`
}

// PersistedState is the content of state.json and of every snapshot.
type PersistedState struct {
	Metadata Metadata           `json:"metadata"`
	Graph    *graph.SourceGraph `json:"graph"`
	Global   map[string]string  `json:"global,omitempty"`
	Nodes    []PersistedNode    `json:"nodes"`
}

// PersistedTickHistory is the content of tick_history.json.
type PersistedTickHistory struct {
	TotalTicks uint64                 `json:"total_ticks"`
	Results    []automaton.TickResult `json:"results"`
}

// #endregion persisted

// #region info
// SnapshotInfo locates one snapshot file. Timestamp is the unix millisecond
// stamp in its file name.
type SnapshotInfo struct {
	ID        string `json:"id,omitempty"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
	Tick      uint64 `json:"tick"`
	Label     string `json:"label,omitempty"`
}

// CreatedAt converts the file stamp to a time.
func (s SnapshotInfo) CreatedAt() time.Time { return time.UnixMilli(s.Timestamp).UTC() }

// Stats summarises the store without loading state files.
type Stats struct {
	HasState         bool      `json:"has_state"`
	HasGraph         bool      `json:"has_graph"`
	Tick             uint64    `json:"tick"`
	NodeCount        int       `json:"node_count"`
	EdgeCount        int       `json:"edge_count"`
	TotalTransitions uint64    `json:"total_transitions"`
	LoggedTicks      int       `json:"logged_ticks"`
	SnapshotCount    int       `json:"snapshot_count"`
	LastModified     time.Time `json:"last_modified"`
	FileCount        int       `json:"file_count"`
	TotalSize        int64     `json:"total_size"`
}

// #endregion info
