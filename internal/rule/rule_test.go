package rule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

func testContext(t *testing.T, activation float64, neighbors ...float64) *Context {
	t.Helper()
	evo, err := state.NewEvolutionaryState(state.WithActivation("p", activation), 4)
	require.NoError(t, err)
	rc := &Context{NodeID: 1, State: evo}
	for i, a := range neighbors {
		ns, err := state.NewEvolutionaryState(state.WithActivation(nil, a), 4)
		require.NoError(t, err)
		rel := graph.RelImports
		if i%2 == 1 {
			rel = graph.RelContains
		}
		rc.Neighbors = append(rc.Neighbors, NeighborState{ID: graph.NodeID(10 + i), Relationship: rel, State: ns})
	}
	return rc
}

type countingRule struct {
	id    state.RuleID
	out   Outcome
	calls int
}

func (c *countingRule) ID() state.RuleID { return c.id }
func (c *countingRule) Apply(context.Context, *Context) Outcome {
	c.calls++
	return c.out
}

func TestCompositeShortCircuits(t *testing.T) {
	a := &countingRule{id: "a", out: NoChange()}
	b := &countingRule{id: "b", out: Transition(state.WithActivation("b", 1))}
	c := &countingRule{id: "c", out: Transition(state.WithActivation("c", 1))}
	comp := NewComposite("chain", a, b, c)

	out := comp.Apply(context.Background(), testContext(t, 0))
	assert.Equal(t, KindTransition, out.Kind)
	assert.Equal(t, "b", out.State.Payload)
	assert.Equal(t, state.RuleID("b"), out.Rule)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 0, c.calls)
}

func TestCompositeAllNoChange(t *testing.T) {
	comp := NewComposite("quiet", NoOp{}, NoOp{})
	assert.Equal(t, KindNoChange, comp.Apply(context.Background(), testContext(t, 0)).Kind)
}

func TestCompositeStopsOnFailure(t *testing.T) {
	f := &countingRule{id: "f", out: Failed("boom")}
	after := &countingRule{id: "after", out: Transition(state.StateData{})}
	out := NewComposite("x", f, after).Apply(context.Background(), testContext(t, 0))
	assert.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, "boom", out.Reason)
	assert.Equal(t, 0, after.calls)
}

func TestIdentityReemitsCurrent(t *testing.T) {
	rc := testContext(t, 0.7)
	out := Identity{}.Apply(context.Background(), rc)
	require.Equal(t, KindTransition, out.Kind)
	assert.True(t, out.State.Equal(rc.Current().State))
	assert.Equal(t, state.RuleID("identity"), Identity{}.ID())
}

func TestSafeApplyRecoversPanic(t *testing.T) {
	boom := Func{RuleID: "boom", Fn: func(context.Context, *Context) Outcome { panic("bad rule") }}
	out := SafeApply(context.Background(), boom, testContext(t, 0))
	assert.Equal(t, KindFailed, out.Kind)
	assert.Contains(t, out.Reason, "bad rule")
	assert.Equal(t, state.RuleID("boom"), out.Rule)
}

func TestContextNeighborHelpers(t *testing.T) {
	rc := testContext(t, 0, 0.2, 0.6, 1.0)
	assert.InDelta(t, 1.8, rc.NeighborActivationSum(), 1e-9)
	assert.InDelta(t, 0.6, rc.AvgNeighborActivation(), 1e-9)
	assert.Equal(t, 2, rc.ActiveNeighbors(0.5))
	assert.Len(t, rc.NeighborsByRelationship(graph.RelImports), 2)
	assert.Len(t, rc.NeighborsByRelationship(graph.RelContains, graph.RelImports), 3)

	isolated := testContext(t, 0)
	assert.Equal(t, 0.0, isolated.AvgNeighborActivation())
}

type prioritized struct {
	NoOp
	id state.RuleID
	p  int
}

func (p prioritized) ID() state.RuleID { return p.id }
func (p prioritized) Priority() int    { return p.p }

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(prioritized{id: "low", p: 1}, prioritized{id: "plain"}, prioritized{id: "high", p: 9})
	require.NoError(t, err)

	err = reg.Register(prioritized{id: "low"})
	assert.True(t, errors.Is(err, ErrDuplicateRule))

	var ids []state.RuleID
	for _, r := range reg.Ordered() {
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []state.RuleID{"high", "low", "plain"}, ids)
	assert.Equal(t, []state.RuleID{"low", "plain", "high"}, reg.IDs())

	reg.Replace(prioritized{id: "low", p: 20})
	assert.Equal(t, state.RuleID("low"), reg.Ordered()[0].ID())
	assert.Equal(t, 3, reg.Len())

	_, err = reg.Get("missing")
	assert.True(t, errors.Is(err, ErrRuleNotFound))
	_, err = reg.Apply(context.Background(), "missing", testContext(t, 0))
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	require.NoError(t, reg.Remove("plain"))
	assert.Equal(t, []state.RuleID{"low", "high"}, reg.IDs())
	assert.True(t, errors.Is(reg.Remove("plain"), ErrRuleNotFound))
}

func TestRegistryApplyStampsRule(t *testing.T) {
	reg, err := NewRegistry(Identity{RuleID: "same"})
	require.NoError(t, err)
	out, err := reg.Apply(context.Background(), "same", testContext(t, 0.3))
	require.NoError(t, err)
	assert.Equal(t, state.RuleID("same"), out.Rule)
}
