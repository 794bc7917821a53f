package heuristic

import (
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

// #region heuristic-interface
// Observation is what a heuristic sees of one tick: the frozen view taken
// before evaluation and the view after commit.
type Observation struct {
	Pre  temporal.View
	Post temporal.View
}

// Heuristic reduces an observation to a scalar reading.
type Heuristic interface {
	Name() string
	Measure(obs Observation) float64
}

// Readings maps heuristic names to values for one tick.
type Readings map[string]float64

// #endregion heuristic-interface

// #region names
const (
	NameStability             = "stability"
	NameActivationConvergence = "activation_convergence"
	NameTransitionRate        = "transition_rate"
)

// #endregion names

// #region stop-config
// Op compares a reading against a threshold.
type Op string

const (
	AtLeast Op = ">="
	AtMost  Op = "<="
)

// StopConfig holds the defaults of the convergence predicate.
type StopConfig struct {
	Heuristic   string  `json:"heuristic" toml:"heuristic"`     // reading the threshold applies to
	Op          Op      `json:"op" toml:"op"`                   // comparison against Value
	Value       float64 `json:"value" toml:"value"`             // threshold
	Consecutive int     `json:"consecutive" toml:"consecutive"` // ticks the comparison must hold in a row
}

// DefaultStopConfig stops once stability reaches 0.99 for three ticks.
func DefaultStopConfig() StopConfig {
	return StopConfig{
		Heuristic:   NameStability,
		Op:          AtLeast,
		Value:       0.99,
		Consecutive: 3,
	}
}

// #endregion stop-config

// #region decision
// Decision is the output of a stop predicate.
type Decision struct {
	Stop   bool
	Reason string
}

// #endregion decision
