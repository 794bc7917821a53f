package automaton

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/heuristic"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

var (
	// ErrInconsistentState aborts a tick whose commit would violate graph
	// invariants. The automaton moves to PhaseFailed.
	ErrInconsistentState = errors.New("inconsistent state")
	// ErrTerminal is returned when ticking a converged or failed automaton.
	ErrTerminal = errors.New("automaton is in a terminal phase")
)

// #region phase
// Phase is the automaton's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTicking
	PhaseConverged
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTicking:
		return "ticking"
	case PhaseConverged:
		return "converged"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether ticking is refused until Reset.
func (p Phase) Terminal() bool {
	return p == PhaseConverged || p == PhaseFailed
}

// #endregion phase

// #region config
// Config bounds a run.
type Config struct {
	MaxTicks                int                  `json:"max_ticks"`
	HistoryWindow           int                  `json:"history_window"`
	MinTicksBeforeStability int                  `json:"min_ticks_before_stability"`
	Stop                    heuristic.StopConfig `json:"stop"`
}

// DefaultConfig returns the standard run bounds.
func DefaultConfig() Config {
	return Config{
		MaxTicks:                100,
		HistoryWindow:           16,
		MinTicksBeforeStability: 5,
		Stop:                    heuristic.DefaultStopConfig(),
	}
}

// FastConfig trades accuracy for quick feedback.
func FastConfig() Config {
	c := DefaultConfig()
	c.MaxTicks = 30
	c.HistoryWindow = 8
	c.MinTicksBeforeStability = 2
	c.Stop.Consecutive = 2
	return c
}

// ThoroughConfig runs long and demands full stability.
func ThoroughConfig() Config {
	c := DefaultConfig()
	c.MaxTicks = 500
	c.HistoryWindow = 32
	c.MinTicksBeforeStability = 10
	c.Stop.Value = 1
	c.Stop.Consecutive = 5
	return c
}

// Validate checks bounds.
func (c Config) Validate() error {
	if c.MaxTicks < 1 {
		return fmt.Errorf("max_ticks must be >= 1, got %d", c.MaxTicks)
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("%w: %d (must be >= 1)", state.ErrInvalidHistoryWindow, c.HistoryWindow)
	}
	if c.MinTicksBeforeStability < 0 {
		return fmt.Errorf("min_ticks_before_stability must be >= 0, got %d", c.MinTicksBeforeStability)
	}
	return nil
}

// #endregion config

// #region tick-result
// TickResult summarises one committed tick.
type TickResult struct {
	Tick          uint64                `json:"tick"`
	Changed       int                   `json:"changed"`
	Unchanged     int                   `json:"unchanged"`
	Failures      []rule.ExecutionError `json:"failures,omitempty"`
	Readings      heuristic.Readings    `json:"readings"`
	AvgActivation float64               `json:"avg_activation"`
	StartedAt     time.Time             `json:"started_at"`
	Duration      time.Duration         `json:"duration_ns"`
}

// FailureCount returns the number of failed nodes.
func (r TickResult) FailureCount() int { return len(r.Failures) }

// RunSummary describes a Run.
type RunSummary struct {
	Ticks     int          `json:"ticks"`
	Converged bool         `json:"converged"`
	Reason    string       `json:"reason"`
	Results   []TickResult `json:"results"`
}

// #endregion tick-result

// #region evaluator
// NodeOutcome is one node's evaluation result.
type NodeOutcome struct {
	NodeID  graph.NodeID
	Rule    state.RuleID
	Outcome rule.Outcome
}

// Evaluator produces one outcome per node of a plan. Implementations may
// evaluate nodes in any order and concurrently; the automaton commits in
// ascending node id. An evaluator must return ctx.Err() when cancelled.
type Evaluator interface {
	Evaluate(ctx context.Context, plan *Plan) ([]NodeOutcome, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, plan *Plan) ([]NodeOutcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, plan *Plan) ([]NodeOutcome, error) {
	return f(ctx, plan)
}

// #endregion evaluator

// #region node-activation
// NodeActivation pairs a node with its current activation.
type NodeActivation struct {
	ID         graph.NodeID `json:"id"`
	Name       string       `json:"name"`
	Activation float64      `json:"activation"`
}

// #endregion node-activation

// #region checkpoint
// Checkpoint is a consistent copy of an automaton's mutable state taken
// between ticks.
type Checkpoint struct {
	Tick    uint64
	Source  *graph.SourceGraph
	Stats   temporal.Stats
	Global  map[string]string
	Results []TickResult
	Nodes   []NodeEvolution
}

// NodeEvolution is one node's copied evolution.
type NodeEvolution struct {
	ID        graph.NodeID
	Evolution *state.EvolutionaryState
}

// #endregion checkpoint
