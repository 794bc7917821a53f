// Package replay runs fixture files through the automaton tick by tick and
// compares every node against recorded expectations.
package replay

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/description"
	"github.com/danielpatrickdp/graph-automaton/internal/heuristic"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

var defaultStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// #region types
// Mismatch is one failed expectation.
type Mismatch struct {
	Tick  uint64
	Node  string
	Field string
	Want  string
	Got   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("tick %d node %s: %s want %s, got %s", m.Tick, m.Node, m.Field, m.Want, m.Got)
}

// TickReport captures the outcome of replaying one fixture tick.
type TickReport struct {
	Tick       uint64
	Changed    int
	Unchanged  int
	Failures   int
	Stability  float64
	Mismatches []Mismatch
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalTicks int
	Changed    int
	Failures   int
	Mismatches int
	Final      temporal.Stats
}

// OK reports whether every expectation held.
func (s Summary) OK() bool { return s.Mismatches == 0 }

// #endregion types

// #region build
// Build constructs the automaton a fixture describes: graph, rules, seeded
// and initial states. The clock advances one second per tick from the
// fixture start.
func Build(f *Fixture, opts ...automaton.Option) (*automaton.Automaton, error) {
	d := f.Automaton
	if d == nil {
		d = description.New(f.Description)
	}
	reg, err := description.Factory{BaseDir: f.dir}.Build(d)
	if err != nil {
		return nil, fmt.Errorf("build rules: %w", err)
	}

	start := f.Start
	if start.IsZero() {
		start = defaultStart
	}
	var ticks int
	clock := func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks) * time.Second)
	}

	cfg := automaton.DefaultConfig()
	cfg.HistoryWindow = f.HistoryWindow
	cfg.MaxTicks = max(len(f.Ticks), 1)
	cfg.MinTicksBeforeStability = 0

	base := []automaton.Option{
		automaton.WithRegistry(reg),
		automaton.WithClock(clock),
		automaton.WithGlobal(f.Global),
	}
	a, err := automaton.FromSourceGraph(&f.Graph, cfg, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	if f.Automaton != nil || len(f.Changed) > 0 {
		if _, err := d.Seed(a.Graph(), f.Changed); err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
	}
	for _, s := range f.Initial {
		if err := a.SetInitialState(s.Node, s.ToStateData()); err != nil {
			return nil, fmt.Errorf("initial state: %w", err)
		}
	}
	return a, nil
}

// #endregion build

// #region replay
// Replay builds the fixture's automaton and runs every fixture tick,
// checking expectations after each commit. A tick error stops the replay.
func Replay(ctx context.Context, f *Fixture, opts ...automaton.Option) ([]TickReport, *automaton.Automaton, error) {
	a, err := Build(f, opts...)
	if err != nil {
		return nil, nil, err
	}
	reports := make([]TickReport, 0, len(f.Ticks))
	for _, ft := range f.Ticks {
		for _, s := range ft.Inject {
			if err := a.ApplyExternal(s.Node, s.ToStateData()); err != nil {
				return reports, a, fmt.Errorf("inject: %w", err)
			}
		}
		res, err := a.Tick(ctx)
		if err != nil {
			return reports, a, err
		}
		reports = append(reports, check(f, a, ft, res))
	}
	return reports, a, nil
}

func check(f *Fixture, a *automaton.Automaton, ft FixtureTick, res automaton.TickResult) TickReport {
	r := TickReport{
		Tick:      res.Tick,
		Changed:   res.Changed,
		Unchanged: res.Unchanged,
		Failures:  len(res.Failures),
		Stability: res.Readings[heuristic.NameStability],
	}
	miss := func(node, field string, want, got any) {
		r.Mismatches = append(r.Mismatches, Mismatch{
			Tick: res.Tick, Node: node, Field: field,
			Want: fmt.Sprint(want), Got: fmt.Sprint(got),
		})
	}

	if ft.Changed != nil && *ft.Changed != res.Changed {
		miss("*", "changed", *ft.Changed, res.Changed)
	}
	if ft.Failures != nil && *ft.Failures != len(res.Failures) {
		miss("*", "failures", *ft.Failures, len(res.Failures))
	}
	for _, e := range ft.Expect {
		n, err := a.Graph().Node(e.Node)
		if err != nil {
			miss(e.Node.String(), "node", "present", err)
			continue
		}
		cur := n.Evolution.Current()
		if e.Activation != nil && math.Abs(*e.Activation-cur.State.Activation) > f.tolerance() {
			miss(e.Node.String(), "activation", *e.Activation, cur.State.Activation)
		}
		if e.Rule != "" && e.Rule != cur.Rule {
			miss(e.Node.String(), "rule", e.Rule, cur.Rule)
		}
		if e.History != nil && *e.History != len(n.Evolution.History()) {
			miss(e.Node.String(), "history", *e.History, len(n.Evolution.History()))
		}
	}
	return r
}

// Summarize computes aggregate stats from replay reports.
func Summarize(reports []TickReport, a *automaton.Automaton) Summary {
	s := Summary{TotalTicks: len(reports)}
	for _, r := range reports {
		s.Changed += r.Changed
		s.Failures += r.Failures
		s.Mismatches += len(r.Mismatches)
	}
	if a != nil {
		s.Final = a.Graph().Stats()
	}
	return s
}

// #endregion replay

// #region record
// Record replays f and returns a copy whose expectations are the observed
// results: changed and failure counts plus every node's activation and
// producing rule.
func Record(ctx context.Context, f *Fixture, opts ...automaton.Option) (*Fixture, error) {
	a, err := Build(f, opts...)
	if err != nil {
		return nil, err
	}
	out := *f
	out.Ticks = make([]FixtureTick, len(f.Ticks))
	for i, ft := range f.Ticks {
		for _, s := range ft.Inject {
			if err := a.ApplyExternal(s.Node, s.ToStateData()); err != nil {
				return nil, fmt.Errorf("inject: %w", err)
			}
		}
		res, err := a.Tick(ctx)
		if err != nil {
			return nil, err
		}
		changed, failures := res.Changed, len(res.Failures)
		rec := FixtureTick{Inject: ft.Inject, Changed: &changed, Failures: &failures}
		for _, id := range a.Graph().NodeIDs() {
			n, err := a.Graph().Node(id)
			if err != nil {
				return nil, err
			}
			cur := n.Evolution.Current()
			act := cur.State.Activation
			rec.Expect = append(rec.Expect, FixtureExpect{Node: id, Activation: &act, Rule: cur.Rule})
		}
		out.Ticks[i] = rec
	}
	return &out, nil
}

// #endregion record
