package heuristic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

func fourNodes(t *testing.T) *temporal.Graph {
	t.Helper()
	b := graph.NewBuilder()
	for _, n := range []string{"a", "b", "c", "d"} {
		b.AddNode(n, graph.KindFile)
	}
	g, err := temporal.FromSourceGraph(b.Build(), 4)
	require.NoError(t, err)
	for _, id := range g.NodeIDs() {
		require.NoError(t, g.SetInitialState(id, state.WithActivation(nil, 0.5)))
	}
	return g
}

func TestHeuristicsOverOneTick(t *testing.T) {
	g := fourNodes(t)
	pre := g.Freeze()

	// node 0 moves, node 1 re-emits the same state, others untouched
	require.NoError(t, g.ApplyTransition(0, state.NewTransition("r").WithActivation(0.9).Build()))
	require.NoError(t, g.ApplyTransition(1, state.NewTransition("r").WithActivation(0.5).Build()))
	obs := Observation{Pre: pre, Post: g.Freeze()}

	assert.InDelta(t, 0.75, Stability{}.Measure(obs), 1e-9)
	assert.InDelta(t, 0.16, ActivationConvergence{}.Measure(obs), 1e-9)
	assert.InDelta(t, 0.5, TransitionRate{}.Measure(obs), 1e-9)

	r := MeasureAll(Defaults(), obs)
	assert.Len(t, r, 3)
	assert.InDelta(t, 0.75, r[NameStability], 1e-9)
}

func TestHeuristicsOnEmptyGraph(t *testing.T) {
	g, err := temporal.FromSourceGraph(&graph.SourceGraph{}, 2)
	require.NoError(t, err)
	obs := Observation{Pre: g.Freeze(), Post: g.Freeze()}

	assert.Equal(t, 1.0, Stability{}.Measure(obs))
	assert.Equal(t, 0.0, ActivationConvergence{}.Measure(obs))
	assert.Equal(t, 0.0, TransitionRate{}.Measure(obs))
}

func TestThresholdNeedsConsecutiveTicks(t *testing.T) {
	p := NewThreshold(DefaultStopConfig())
	stable := Readings{NameStability: 1}
	moving := Readings{NameStability: 0.5}

	assert.False(t, p.Evaluate([]Readings{stable, stable}).Stop)
	assert.False(t, p.Evaluate([]Readings{stable, moving, stable, stable}).Stop)

	d := p.Evaluate([]Readings{moving, stable, stable, stable})
	assert.True(t, d.Stop)
	assert.Contains(t, d.Reason, "stability")
}

func TestThresholdAtMost(t *testing.T) {
	p := NewThreshold(StopConfig{Heuristic: NameActivationConvergence, Op: AtMost, Value: 0.001})
	assert.True(t, p.Evaluate([]Readings{{NameActivationConvergence: 0.0005}}).Stop)
	assert.False(t, p.Evaluate([]Readings{{NameActivationConvergence: 0.01}}).Stop)
	assert.False(t, p.Evaluate([]Readings{{}}).Stop, "missing reading never stops")
}

func TestCombinators(t *testing.T) {
	yes := PredicateFunc(func([]Readings) Decision { return Decision{Stop: true, Reason: "yes"} })
	no := PredicateFunc(func([]Readings) Decision { return Decision{Reason: "no"} })

	assert.True(t, AnyOf{no, yes}.Evaluate(nil).Stop)
	assert.False(t, AnyOf{no, no}.Evaluate(nil).Stop)
	assert.True(t, AllOf{yes, yes}.Evaluate(nil).Stop)
	assert.False(t, AllOf{yes, no}.Evaluate(nil).Stop)
	assert.False(t, AllOf{}.Evaluate(nil).Stop)
}
