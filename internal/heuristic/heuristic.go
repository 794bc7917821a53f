package heuristic

import (
	"fmt"
	"strings"
)

// #region stability
// Stability is the fraction of nodes whose current state is structurally
// unchanged across the tick. An empty graph is fully stable.
type Stability struct{}

func (Stability) Name() string { return NameStability }

func (Stability) Measure(obs Observation) float64 {
	n := obs.Post.Len()
	if n == 0 {
		return 1
	}
	same := 0
	for _, id := range obs.Post.IDs() {
		pre, ok := obs.Pre.Current(id)
		if !ok {
			continue
		}
		post, _ := obs.Post.Current(id)
		if pre.State.Equal(post.State) {
			same++
		}
	}
	return float64(same) / float64(n)
}

// #endregion stability

// #region activation-convergence
// ActivationConvergence is the sum of squared activation deltas.
type ActivationConvergence struct{}

func (ActivationConvergence) Name() string { return NameActivationConvergence }

func (ActivationConvergence) Measure(obs Observation) float64 {
	var sum float64
	for _, id := range obs.Post.IDs() {
		pre, ok := obs.Pre.Current(id)
		if !ok {
			continue
		}
		post, _ := obs.Post.Current(id)
		d := post.State.Activation - pre.State.Activation
		sum += d * d
	}
	return sum
}

// #endregion activation-convergence

// #region transition-rate
// TransitionRate is committed transitions per node. A node counts as having
// transitioned when its current transition was replaced, even if the new
// state equals the old one.
type TransitionRate struct{}

func (TransitionRate) Name() string { return NameTransitionRate }

func (TransitionRate) Measure(obs Observation) float64 {
	n := obs.Post.Len()
	if n == 0 {
		return 0
	}
	moved := 0
	for _, id := range obs.Post.IDs() {
		pre, ok := obs.Pre.Current(id)
		if !ok {
			continue
		}
		post, _ := obs.Post.Current(id)
		if post.Sequence != pre.Sequence {
			moved++
		}
	}
	return float64(moved) / float64(n)
}

// #endregion transition-rate

// #region defaults
// Defaults returns the three built-in heuristics.
func Defaults() []Heuristic {
	return []Heuristic{Stability{}, ActivationConvergence{}, TransitionRate{}}
}

// MeasureAll runs every heuristic over obs.
func MeasureAll(hs []Heuristic, obs Observation) Readings {
	out := make(Readings, len(hs))
	for _, h := range hs {
		out[h.Name()] = h.Measure(obs)
	}
	return out
}

// #endregion defaults

// #region predicates
// Predicate decides from the reading history, oldest first, whether a run
// should stop.
type Predicate interface {
	Evaluate(history []Readings) Decision
}

// Threshold holds when a reading compares true against a value for a number
// of consecutive ticks.
type Threshold struct {
	config StopConfig
}

// NewThreshold creates a threshold predicate.
func NewThreshold(config StopConfig) *Threshold {
	if config.Consecutive < 1 {
		config.Consecutive = 1
	}
	return &Threshold{config: config}
}

func (t *Threshold) Evaluate(history []Readings) Decision {
	c := t.config
	if len(history) < c.Consecutive {
		return Decision{Reason: fmt.Sprintf("%d of %d ticks observed", len(history), c.Consecutive)}
	}
	for _, r := range history[len(history)-c.Consecutive:] {
		v, ok := r[c.Heuristic]
		if !ok {
			return Decision{Reason: fmt.Sprintf("no %s reading", c.Heuristic)}
		}
		if !compare(v, c.Op, c.Value) {
			return Decision{Reason: fmt.Sprintf("%s %.4f not %s %.4f", c.Heuristic, v, c.Op, c.Value)}
		}
	}
	return Decision{
		Stop:   true,
		Reason: fmt.Sprintf("%s %s %.4f for %d ticks", c.Heuristic, c.Op, c.Value, c.Consecutive),
	}
}

func compare(v float64, op Op, limit float64) bool {
	switch op {
	case AtMost:
		return v <= limit
	default:
		return v >= limit
	}
}

// AnyOf stops when any predicate stops.
type AnyOf []Predicate

func (a AnyOf) Evaluate(history []Readings) Decision {
	var reasons []string
	for _, p := range a {
		d := p.Evaluate(history)
		if d.Stop {
			return d
		}
		reasons = append(reasons, d.Reason)
	}
	return Decision{Reason: strings.Join(reasons, "; ")}
}

// AllOf stops when every predicate stops.
type AllOf []Predicate

func (a AllOf) Evaluate(history []Readings) Decision {
	if len(a) == 0 {
		return Decision{}
	}
	var reasons []string
	for _, p := range a {
		d := p.Evaluate(history)
		if !d.Stop {
			return d
		}
		reasons = append(reasons, d.Reason)
	}
	return Decision{Stop: true, Reason: strings.Join(reasons, " and ")}
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(history []Readings) Decision

func (f PredicateFunc) Evaluate(history []Readings) Decision { return f(history) }

// #endregion predicates
