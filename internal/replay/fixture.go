package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/description"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// DefaultTolerance bounds activation comparisons when a fixture sets none.
const DefaultTolerance = 1e-9

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description   string            `json:"description"`
	HistoryWindow int               `json:"history_window"`
	Tolerance     float64           `json:"tolerance,omitempty"`
	Start         time.Time         `json:"start,omitempty"`
	Graph         graph.SourceGraph `json:"graph"`
	// Automaton selects rules and node routing. Without it the standard
	// source-code rules run.
	Automaton *description.Description `json:"automaton,omitempty"`
	// Changed lists paths marked as changed when seeding.
	Changed []string          `json:"changed,omitempty"`
	Global  map[string]string `json:"global,omitempty"`
	Initial []FixtureState    `json:"initial,omitempty"`
	Ticks   []FixtureTick     `json:"ticks"`

	dir string
}

// FixtureState sets one node's state.
type FixtureState struct {
	Node        graph.NodeID      `json:"node"`
	Payload     any               `json:"payload,omitempty"`
	Activation  float64           `json:"activation"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// FixtureTick is one tick. Inject states are applied as external
// transitions before the tick runs.
type FixtureTick struct {
	Inject   []FixtureState  `json:"inject,omitempty"`
	Changed  *int            `json:"expect_changed,omitempty"`
	Failures *int            `json:"expect_failures,omitempty"`
	Expect   []FixtureExpect `json:"expect,omitempty"`
}

// FixtureExpect captures one node's expected state after a tick. Empty
// fields are not checked.
type FixtureExpect struct {
	Node       graph.NodeID `json:"node"`
	Activation *float64     `json:"activation,omitempty"`
	Rule       state.RuleID `json:"rule,omitempty"`
	History    *int         `json:"history,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file. Script files named by
// the fixture's rules resolve relative to the fixture.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return &f, nil
}

// Validate checks the window and the embedded description.
func (f *Fixture) Validate() error {
	if f.HistoryWindow < 1 {
		return fmt.Errorf("%w: %d (must be >= 1)", state.ErrInvalidHistoryWindow, f.HistoryWindow)
	}
	if f.Automaton != nil {
		if f.Automaton.Defaults.DefaultRule == "" {
			f.Automaton.Defaults.DefaultRule = "identity"
		}
		if err := f.Automaton.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Save writes f as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

func (f *Fixture) tolerance() float64 {
	if f.Tolerance > 0 {
		return f.Tolerance
	}
	return DefaultTolerance
}

// ToStateData converts a FixtureState to a domain StateData.
func (s FixtureState) ToStateData() state.StateData {
	return state.StateData{Payload: s.Payload, Activation: s.Activation, Annotations: s.Annotations}
}

// #endregion fixture-loader
