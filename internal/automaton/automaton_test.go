package automaton

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/heuristic"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// chain builds n nodes linked 0-1-2-... with the given activations.
func chain(t *testing.T, activations []float64, rules ...rule.Rule) *Automaton {
	t.Helper()
	b := graph.NewBuilder()
	for i := range activations {
		id := b.AddNode("n", graph.KindFile)
		if i > 0 {
			b.AddEdge(id-1, id, graph.RelImports)
		}
	}
	g, err := temporal.FromSourceGraph(b.Build(), 4)
	require.NoError(t, err)
	for i, a := range activations {
		require.NoError(t, g.SetInitialState(graph.NodeID(i), state.WithActivation("p", a)))
	}
	reg, err := rule.NewRegistry(rules...)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MinTicksBeforeStability = 0
	a, err := New(g, cfg, WithRegistry(reg), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return a
}

func halving() rule.Rule {
	return rule.Func{RuleID: "halve", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		s := rc.Current().State
		return rule.Transition(s.SetActivation(s.Activation / 2))
	}}
}

func activation(t *testing.T, a *Automaton, id graph.NodeID) float64 {
	t.Helper()
	n, err := a.Graph().Node(id)
	require.NoError(t, err)
	return n.Evolution.Activation()
}

func TestIdentityTickKeepsStatesAndGrowsHistory(t *testing.T) {
	a := chain(t, []float64{0.5, 0.5}, rule.Identity{})

	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Tick)
	assert.Equal(t, 2, res.Changed)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1.0, res.Readings[heuristic.NameStability])
	assert.Equal(t, 1.0, res.Readings[heuristic.NameTransitionRate])

	for _, id := range []graph.NodeID{0, 1} {
		n, _ := a.Graph().Node(id)
		assert.Equal(t, 0.5, n.Evolution.Activation())
		assert.Len(t, n.Evolution.History(), 1)
		assert.Equal(t, state.RuleID("identity"), n.Evolution.Current().Rule)
		assert.True(t, n.Evolution.Current().Timestamp.Equal(fixedNow))
	}
}

func TestHalvingRule(t *testing.T) {
	a := chain(t, []float64{1.0, 0.5, 0.0}, halving())

	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, activation(t, a, 0))
	assert.Equal(t, 0.25, activation(t, a, 1))
	assert.Equal(t, 0.0, activation(t, a, 2))
	assert.InDelta(t, 0.25, res.AvgActivation, 1e-9)
	assert.InDelta(t, 0.25+0.0625, res.Readings[heuristic.NameActivationConvergence], 1e-9)
	assert.InDelta(t, 1.0/3, res.Readings[heuristic.NameStability], 1e-9)
}

func TestNoOpIsIdempotent(t *testing.T) {
	a := chain(t, []float64{0.1, 0.9}, rule.NoOp{})
	for i := 0; i < 5; i++ {
		res, err := a.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Changed)
		assert.Equal(t, 2, res.Unchanged)
		assert.Equal(t, 1.0, res.Readings[heuristic.NameStability])
	}
	n, _ := a.Graph().Node(1)
	assert.Empty(t, n.Evolution.History())
	assert.Equal(t, uint64(5), a.TickCount())
}

func TestRulesSeeTickStartSnapshot(t *testing.T) {
	// every node copies the average of its neighbors; with a snapshot the
	// result does not depend on evaluation order
	avg := rule.Func{RuleID: "avg", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		return rule.Transition(state.WithActivation(nil, rc.AvgNeighborActivation()))
	}}
	a := chain(t, []float64{1, 0, 0}, avg)

	_, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, activation(t, a, 0))
	assert.Equal(t, 0.5, activation(t, a, 1))
	assert.Equal(t, 0.0, activation(t, a, 2))
}

func TestEmptyGraphTick(t *testing.T) {
	a, err := FromSourceGraph(&graph.SourceGraph{}, DefaultConfig())
	require.NoError(t, err)
	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Changed)
	assert.Zero(t, res.Unchanged)
	assert.Equal(t, 1.0, res.Readings[heuristic.NameStability])
	assert.Equal(t, PhaseIdle, a.Phase())
}

func TestIsolatedNodeSeesNoNeighbors(t *testing.T) {
	seen := -1
	probe := rule.Func{RuleID: "probe", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		seen = len(rc.Neighbors)
		return rule.NoChange()
	}}
	a := chain(t, []float64{0.3}, probe)
	_, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, seen)
}

func TestNodeFailuresAreIsolated(t *testing.T) {
	flaky := rule.Func{RuleID: "flaky", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		if rc.NodeID == 1 {
			return rule.Failed("cannot evaluate")
		}
		if rc.NodeID == 2 {
			panic("broken")
		}
		return rule.Transition(rc.Current().State.SetActivation(1))
	}}
	a := chain(t, []float64{0, 0, 0}, flaky)

	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, graph.NodeID(1), res.Failures[0].Node)
	assert.Equal(t, state.RuleID("flaky"), res.Failures[0].Rule)
	assert.Equal(t, "cannot evaluate", res.Failures[0].Message)
	assert.Contains(t, res.Failures[1].Message, "broken")
	assert.Equal(t, 1.0, activation(t, a, 0))
	assert.Equal(t, PhaseIdle, a.Phase())
}

func TestUnknownRuleIsFatal(t *testing.T) {
	a := chain(t, []float64{0.2}, rule.NoOp{})

	_, err := a.TickWithRule(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, rule.ErrRuleNotFound))
	assert.True(t, IsFatal(err))
	assert.Equal(t, PhaseFailed, a.Phase())

	_, err = a.Tick(context.Background())
	assert.True(t, errors.Is(err, ErrTerminal))

	a.Reset()
	assert.Equal(t, PhaseIdle, a.Phase())
	_, err = a.Tick(context.Background())
	assert.NoError(t, err)
}

func TestTickWithRuleUsesOnlyThatRule(t *testing.T) {
	a := chain(t, []float64{0.8}, halving(), rule.Identity{})
	res, err := a.TickWithRule(context.Background(), "identity")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 0.8, activation(t, a, 0))
}

func TestInconsistentEvaluatorIsFatal(t *testing.T) {
	a := chain(t, []float64{0.5, 0.5}, rule.Identity{})
	dup := EvaluatorFunc(func(ctx context.Context, p *Plan) ([]NodeOutcome, error) {
		out := rule.Transition(state.WithActivation(nil, 1))
		return []NodeOutcome{{NodeID: 0, Outcome: out}, {NodeID: 0, Outcome: out}}, nil
	})

	_, err := a.TickWith(context.Background(), dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentState))
	assert.Equal(t, PhaseFailed, a.Phase())
	assert.Equal(t, 0.5, activation(t, a, 0), "nothing committed")
	assert.Equal(t, uint64(0), a.TickCount())
}

func TestCancelledTickCommitsNothing(t *testing.T) {
	a := chain(t, []float64{0.5, 0.5}, halving())
	ctx, cancel := context.WithCancel(context.Background())
	slow := EvaluatorFunc(func(ctx context.Context, p *Plan) ([]NodeOutcome, error) {
		outs, err := Sequential{}.Evaluate(context.Background(), p)
		cancel()
		return outs, err
	})

	_, err := a.TickWith(ctx, slow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, PhaseIdle, a.Phase())
	assert.Equal(t, 0.5, activation(t, a, 0))
	assert.Equal(t, uint64(0), a.TickCount())
}

func TestRunConverges(t *testing.T) {
	a := chain(t, []float64{0.5, 0.5}, rule.NoOp{})
	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Converged)
	assert.Equal(t, 3, sum.Ticks)
	assert.Equal(t, PhaseConverged, a.Phase())

	_, err = a.Tick(context.Background())
	assert.True(t, errors.Is(err, ErrTerminal))
}

func TestRunStopsAtMaxTicks(t *testing.T) {
	flip := rule.Func{RuleID: "flip", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		return rule.Transition(rc.Current().State.SetActivation(1 - rc.Activation()))
	}}
	a := chain(t, []float64{0}, flip)
	a.cfg.MaxTicks = 7

	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Converged)
	assert.Equal(t, 7, sum.Ticks)
	assert.Contains(t, sum.Reason, "max ticks")
	assert.Equal(t, PhaseIdle, a.Phase())
}

func TestMinTicksBeforeStability(t *testing.T) {
	a := chain(t, []float64{0.5}, rule.NoOp{})
	a.cfg.MinTicksBeforeStability = 6
	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Converged)
	assert.Equal(t, 6, sum.Ticks)
}

func TestGlobalContextAndObserver(t *testing.T) {
	var got string
	read := rule.Func{RuleID: "read", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		got, _ = rc.GlobalValue("mode")
		return rule.NoChange()
	}}
	var observed []uint64
	b := graph.NewBuilder()
	b.AddNode("only", graph.KindModule)
	reg, err := rule.NewRegistry(read)
	require.NoError(t, err)
	a, err := FromSourceGraph(b.Build(), DefaultConfig(),
		WithRegistry(reg),
		WithGlobal(map[string]string{"mode": "initial"}),
		WithObserver(func(r TickResult) { observed = append(observed, r.Tick) }),
	)
	require.NoError(t, err)

	_, err = a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initial", got)

	a.SetGlobal("mode", "changed")
	_, err = a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "changed", got)
	assert.Equal(t, []uint64{1, 2}, observed)
	assert.Equal(t, "changed", a.Global()["mode"])
}

func TestTopActivatedAndHotNodes(t *testing.T) {
	a := chain(t, []float64{0.2, 0.9, 0.5, 0.9})
	top := a.TopActivated(2)
	require.Len(t, top, 2)
	assert.Equal(t, graph.NodeID(1), top[0].ID)
	assert.Equal(t, graph.NodeID(3), top[1].ID)

	hot := a.HotNodes(0.4)
	require.Len(t, hot, 3)
	assert.Equal(t, graph.NodeID(2), hot[1].ID)
}

func TestApplyExternalAndRestore(t *testing.T) {
	a := chain(t, []float64{0.1})
	require.NoError(t, a.ApplyExternal(0, state.WithActivation("ext", 0.7)))
	n, _ := a.Graph().Node(0)
	assert.Equal(t, state.RuleExternal, n.Evolution.Current().Rule)

	a.Restore(12, []TickResult{{Tick: 12, Readings: heuristic.Readings{heuristic.NameStability: 1}}})
	assert.Equal(t, uint64(12), a.TickCount())
	res, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(13), res.Tick)
	assert.Len(t, a.Results(), 2)
}

func TestCheckpointIsIndependentCopy(t *testing.T) {
	a := chain(t, []float64{1.0, 0.5}, halving())
	a.SetGlobal("branch", "main")
	_, err := a.Tick(context.Background())
	require.NoError(t, err)

	cp := a.Checkpoint()
	assert.Equal(t, uint64(1), cp.Tick)
	require.Len(t, cp.Results, 1)
	assert.Equal(t, "main", cp.Global["branch"])
	assert.Equal(t, 2, cp.Stats.Nodes)
	require.Len(t, cp.Nodes, 2)
	assert.Equal(t, 0.5, cp.Nodes[0].Evolution.Activation())

	_, err = a.Tick(context.Background())
	require.NoError(t, err)
	a.SetGlobal("branch", "dev")

	assert.Equal(t, 0.5, cp.Nodes[0].Evolution.Activation())
	assert.Equal(t, uint64(2), cp.Nodes[0].Evolution.TransitionCount())
	assert.Equal(t, "main", cp.Global["branch"])
	assert.Len(t, cp.Results, 1)
	assert.Equal(t, 0.25, activation(t, a, 0))
}

func TestConfigPresetsValidate(t *testing.T) {
	for _, c := range []Config{DefaultConfig(), FastConfig(), ThoroughConfig()} {
		assert.NoError(t, c.Validate())
	}
	bad := DefaultConfig()
	bad.HistoryWindow = 0
	assert.True(t, errors.Is(bad.Validate(), state.ErrInvalidHistoryWindow))
}
