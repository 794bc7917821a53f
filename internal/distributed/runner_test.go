package distributed

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/resolver"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// blend moves a node halfway toward the mean of its neighbors.
var blend = rule.Func{RuleID: "blend", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
	if len(rc.Neighbors) == 0 {
		return rule.NoChange()
	}
	next := (rc.Activation() + rc.AvgNeighborActivation()) / 2
	return rule.Transition(rc.Current().State.SetActivation(next))
}}

func jittered(r rule.Rule) rule.Rule {
	return rule.Func{RuleID: r.ID(), Fn: func(ctx context.Context, rc *rule.Context) rule.Outcome {
		time.Sleep(time.Duration(rand.IntN(3000)) * time.Microsecond)
		return r.Apply(ctx, rc)
	}}
}

func build(t *testing.T, rules ...rule.Rule) *automaton.Automaton {
	t.Helper()
	b := graph.NewBuilder()
	var ids []graph.NodeID
	for i := range 24 {
		ids = append(ids, b.AddNode(string(rune('a'+i))+".go", graph.KindFile))
	}
	for i := 1; i < len(ids); i++ {
		b.AddEdge(ids[i-1], ids[i], graph.RelImports)
		if i%5 == 0 {
			b.AddEdge(ids[0], ids[i], graph.RelUses)
		}
	}
	reg, err := rule.NewRegistry(rules...)
	require.NoError(t, err)
	a, err := automaton.FromSourceGraph(b.Build(), automaton.DefaultConfig(),
		automaton.WithRegistry(reg), automaton.WithClock(func() time.Time { return epoch }))
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, a.SetInitialState(id, state.WithActivation(nil, float64(i%4)/3)))
	}
	return a
}

func snapshot(a *automaton.Automaton) map[graph.NodeID][]state.Transition {
	out := make(map[graph.NodeID][]state.Transition)
	g := a.Graph()
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		out[id] = n.Evolution.Transitions()
	}
	return out
}

func TestLocalRunnerMatchesSequential(t *testing.T) {
	seq := build(t, blend)
	par := build(t, jittered(blend))
	r := New(nil, Config{Concurrency: 8, MaxAttempts: 1})

	for range 4 {
		want, err := seq.Tick(context.Background())
		require.NoError(t, err)
		got, err := par.TickWith(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, want.Changed, got.Changed)
		assert.Equal(t, want.Unchanged, got.Unchanged)
	}
	// initial states are stamped with wall-clock time; compare from tick 1 on
	for id, ts := range snapshot(seq) {
		other := snapshot(par)[id]
		require.Len(t, other, len(ts))
		for i := 1; i < len(ts); i++ {
			assert.Equal(t, ts[i], other[i], "node %d transition %d", id, i)
		}
	}
}

func slowResolver(name string, r rule.Rule) resolver.Resolver {
	local := resolver.Local{Rule: r}
	return resolver.Func{ResolverName: name, Fn: func(ctx context.Context, rc *rule.Context) (rule.Outcome, error) {
		select {
		case <-time.After(time.Duration(rand.IntN(4000)) * time.Microsecond):
		case <-ctx.Done():
			return rule.Outcome{}, ctx.Err()
		}
		return local.Resolve(ctx, rc)
	}}
}

func TestPoolRunnerMatchesSequential(t *testing.T) {
	seq := build(t, blend)
	remote := build(t)
	pool := resolver.Of(3, slowResolver("r0", blend), slowResolver("r1", blend), slowResolver("r2", blend))
	r := New(pool, DefaultConfig())

	for range 3 {
		_, err := seq.Tick(context.Background())
		require.NoError(t, err)
		res, err := remote.TickWith(context.Background(), r)
		require.NoError(t, err)
		assert.Empty(t, res.Failures)
	}
	want, got := snapshot(seq), snapshot(remote)
	for id, ts := range want {
		require.Len(t, got[id], len(ts))
		for i := 1; i < len(ts); i++ {
			assert.Equal(t, ts[i].State, got[id][i].State, "node %d transition %d", id, i)
			assert.Equal(t, ts[i].Rule, got[id][i].Rule)
			assert.Equal(t, ts[i].Sequence, got[id][i].Sequence)
		}
	}
}

func TestTimeoutFailsOnlyThatNode(t *testing.T) {
	a := build(t)
	stuck := graph.NodeID(3)
	res := resolver.Func{ResolverName: "flaky", Fn: func(ctx context.Context, rc *rule.Context) (rule.Outcome, error) {
		if rc.NodeID == stuck {
			<-ctx.Done()
			return rule.Outcome{}, ctx.Err()
		}
		return rule.Transition(rc.Current().State.SetActivation(1)), nil
	}}
	r := New(resolver.Of(4, res), Config{TaskTimeout: 30 * time.Millisecond, MaxAttempts: 1})

	result, err := a.TickWith(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, stuck, result.Failures[0].Node)
	assert.Equal(t, ResolverRuleID, result.Failures[0].Rule)
	assert.Contains(t, result.Failures[0].Message, "timeout")
	assert.Contains(t, result.Failures[0].Message, "flaky")
	assert.Equal(t, a.Graph().NodeCount()-1, result.Changed)
	assert.Equal(t, automaton.PhaseIdle, a.Phase())

	n, err := a.Graph().Node(stuck)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Evolution.TransitionCount())
}

func TestTimeoutWithResolverIgnoringContext(t *testing.T) {
	a := build(t)
	stuck := graph.NodeID(3)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	res := resolver.Func{ResolverName: "deaf", Fn: func(_ context.Context, rc *rule.Context) (rule.Outcome, error) {
		if rc.NodeID == stuck {
			<-release
		}
		return rule.Transition(rc.Current().State.SetActivation(1)), nil
	}}
	r := New(resolver.Of(4, res), Config{TaskTimeout: 30 * time.Millisecond, MaxAttempts: 1})

	begin := time.Now()
	result, err := a.TickWith(context.Background(), r)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, stuck, result.Failures[0].Node)
	assert.Contains(t, result.Failures[0].Message, "timeout")
	assert.Equal(t, a.Graph().NodeCount()-1, result.Changed)

	n, err := a.Graph().Node(stuck)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Evolution.TransitionCount())
}

func TestRemoteRuleIDIndependentOfEndpoint(t *testing.T) {
	bare := func(name string) resolver.Resolver {
		return resolver.Func{ResolverName: name, Fn: func(_ context.Context, rc *rule.Context) (rule.Outcome, error) {
			return rule.Transition(rc.Current().State.SetActivation(0.5)), nil
		}}
	}
	for _, slots := range []int{1, 3} {
		a := build(t)
		_, err := a.TickWith(context.Background(), New(resolver.Of(slots, bare("r0"), bare("r1"), bare("r2")), DefaultConfig()))
		require.NoError(t, err)
		for _, id := range a.Graph().NodeIDs() {
			n, err := a.Graph().Node(id)
			require.NoError(t, err)
			assert.Equal(t, ResolverRuleID, n.Evolution.Current().Rule, "node %d", id)
		}
	}
}

func TestRetryMovesToNextResolver(t *testing.T) {
	down := resolver.Func{ResolverName: "down", Fn: func(context.Context, *rule.Context) (rule.Outcome, error) {
		return rule.Outcome{}, assert.AnError
	}}
	up := resolver.Local{Rule: rule.Func{RuleID: "up", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		return rule.Transition(rc.Current().State.SetActivation(0.5))
	}}}

	a := build(t)
	result, err := a.TickWith(context.Background(), New(resolver.Of(1, down, up), Config{MaxAttempts: 2}))
	require.NoError(t, err)
	assert.Empty(t, result.Failures)
	assert.Equal(t, a.Graph().NodeCount(), result.Changed)

	b := build(t)
	result, err = b.TickWith(context.Background(), New(resolver.Of(1, down, up), Config{MaxAttempts: 1}))
	require.NoError(t, err)
	assert.Len(t, result.Failures, b.Graph().NodeCount()/2, "every other node lands on the failing resolver")
	for _, f := range result.Failures {
		assert.Equal(t, ResolverRuleID, f.Rule)
		assert.Contains(t, f.Message, "down")
	}
}

func TestCancellationCommitsNothing(t *testing.T) {
	a := build(t)
	block := resolver.Func{ResolverName: "block", Fn: func(ctx context.Context, _ *rule.Context) (rule.Outcome, error) {
		<-ctx.Done()
		return rule.Outcome{}, ctx.Err()
	}}
	before := snapshot(a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.TickWith(ctx, New(resolver.Of(4, block), Config{MaxAttempts: 3}))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, automaton.PhaseIdle, a.Phase())
	assert.Equal(t, uint64(0), a.TickCount())
	assert.Equal(t, before, snapshot(a))
}

func TestLocalTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hang := rule.Func{RuleID: "hang", Fn: func(_ context.Context, rc *rule.Context) rule.Outcome {
		if rc.NodeID == 0 {
			<-release
		}
		return rule.NoChange()
	}}
	a := build(t, hang)
	result, err := a.TickWith(context.Background(), New(nil, Config{TaskTimeout: 20 * time.Millisecond}))
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, graph.NodeID(0), result.Failures[0].Node)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxAttempts: 0}.Validate())
	assert.Error(t, Config{Concurrency: -1, MaxAttempts: 1}.Validate())
	assert.Error(t, Config{TaskTimeout: -time.Second, MaxAttempts: 1}.Validate())
}
