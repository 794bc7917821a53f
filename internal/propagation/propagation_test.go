package propagation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

func neighbor(t *testing.T, id graph.NodeID, rel string, s state.StateData) rule.NeighborState {
	t.Helper()
	evo, err := state.NewEvolutionaryState(s, 2)
	require.NoError(t, err)
	return rule.NeighborState{ID: id, Relationship: rel, State: evo}
}

func ctxFor(t *testing.T, kind graph.Kind, self state.StateData, ns ...rule.NeighborState) *rule.Context {
	t.Helper()
	evo, err := state.NewEvolutionaryState(self, 2)
	require.NoError(t, err)
	return &rule.Context{NodeID: 1, Node: graph.Node{ID: 1, Kind: kind}, State: evo, Neighbors: ns}
}

func TestDecayHalves(t *testing.T) {
	out := NewDecay(0.5).Apply(context.Background(), ctxFor(t, graph.KindFile, state.WithActivation(nil, 0.8)))
	require.Equal(t, rule.KindTransition, out.Kind)
	assert.Equal(t, 0.4, out.State.Activation)

	out = NewDecay(0.5).Apply(context.Background(), ctxFor(t, graph.KindFile, state.WithActivation(nil, 0)))
	assert.Equal(t, rule.KindNoChange, out.Kind)
}

func TestImportPropagation(t *testing.T) {
	p := DefaultImportPropagation()
	rc := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0),
		neighbor(t, 2, graph.RelImports, state.WithActivation(nil, 1)),
		neighbor(t, 3, graph.RelDependsOn, state.WithActivation(nil, 0.05)),
	)
	require.True(t, p.ShouldApply(rc))

	out := p.Apply(context.Background(), rc)
	require.Equal(t, rule.KindTransition, out.Kind)
	assert.InDelta(t, 0.3*0.8*0.3, out.State.Activation, 1e-9)
	v, _ := out.State.Annotation("propagation_source")
	assert.Equal(t, "1.000", v)

	quiet := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0), neighbor(t, 2, graph.RelImports, state.WithActivation(nil, 0.05)))
	assert.False(t, p.ShouldApply(quiet))
}

func TestModuleActivation(t *testing.T) {
	m := DefaultModuleActivation()
	rc := ctxFor(t, graph.KindModule, state.WithActivation(nil, 0),
		neighbor(t, 2, graph.RelContains, state.WithActivation(nil, 1)),
		neighbor(t, 3, graph.RelContains, state.WithActivation(nil, 0)),
	)
	require.True(t, m.ShouldApply(rc))
	out := m.Apply(context.Background(), rc)
	require.Equal(t, rule.KindTransition, out.Kind)
	// aggregated = 1*0.6 + 0.5*0.4 = 0.8, blended at weight 0.5
	assert.InDelta(t, 0.4, out.State.Activation, 1e-9)
	v, _ := out.State.Annotation("child_count")
	assert.Equal(t, "2", v)

	leaf := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0), neighbor(t, 2, graph.RelImports, state.WithActivation(nil, 1)))
	assert.False(t, m.ShouldApply(leaf))
}

func TestChangeProximity(t *testing.T) {
	c := DefaultChangeProximity()

	direct := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0).Annotate(AnnotationChanged, "true"))
	out := c.Apply(context.Background(), direct)
	require.Equal(t, rule.KindTransition, out.Kind)
	assert.Equal(t, 0.5, out.State.Activation)
	v, _ := out.State.Annotation("change_proximity")
	assert.Equal(t, "direct", v)

	adjacent := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0),
		neighbor(t, 2, graph.RelImports, MarkChanged(state.WithActivation(nil, 0))))
	out = c.Apply(context.Background(), adjacent)
	require.Equal(t, rule.KindTransition, out.Kind)
	assert.InDelta(t, 0.2, out.State.Activation, 1e-9)

	none := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0))
	assert.False(t, c.ShouldApply(none))
	assert.Equal(t, rule.KindNoChange, c.Apply(context.Background(), none).Kind)
}

func TestDampedPropagationRespectsStability(t *testing.T) {
	stable := NewDampedPropagation(map[graph.NodeID]float64{1: 1}, 0.5)
	loose := NewDampedPropagation(nil, 0.5)
	mk := func() *rule.Context {
		return ctxFor(t, graph.KindFile, state.WithActivation(nil, 0),
			neighbor(t, 2, graph.RelUses, state.WithActivation(nil, 1)))
	}

	outStable := stable.Apply(context.Background(), mk())
	outLoose := loose.Apply(context.Background(), mk())
	require.Equal(t, rule.KindTransition, outStable.Kind)
	require.Equal(t, rule.KindTransition, outLoose.Kind)
	assert.InDelta(t, 0.125, outStable.State.Activation, 1e-9)
	assert.InDelta(t, 0.25, outLoose.State.Activation, 1e-9)

	idle := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0))
	assert.False(t, loose.ShouldApply(idle))
}

func TestComplexityTrackingSettles(t *testing.T) {
	rc := ctxFor(t, graph.KindFile, state.WithActivation(nil, 0),
		neighbor(t, 2, graph.RelImports, state.WithActivation(nil, 0)))
	out := ComplexityTracking{}.Apply(context.Background(), rc)
	require.Equal(t, rule.KindTransition, out.Kind)

	again := ctxFor(t, graph.KindFile, out.State, rc.Neighbors...)
	assert.Equal(t, rule.KindNoChange, ComplexityTracking{}.Apply(context.Background(), again).Kind)
}

func TestChangeSpreadsThroughGraph(t *testing.T) {
	b := graph.NewBuilder()
	pkg := b.AddNode("pkg", graph.KindModule)
	a := b.AddNode("pkg/a.go", graph.KindFile)
	c := b.AddNode("pkg/c.go", graph.KindFile)
	far := b.AddNode("other/far.go", graph.KindFile)
	b.AddEdge(pkg, a, graph.RelContains)
	b.AddEdge(pkg, c, graph.RelContains)
	b.AddEdge(c, a, graph.RelImports)
	b.AddEdge(far, pkg, graph.RelDependsOn)

	reg, err := rule.NewRegistry(SourceCodeRules()...)
	require.NoError(t, err)
	auto, err := automaton.FromSourceGraph(b.Build(), automaton.FastConfig(), automaton.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, auto.SetInitialState(a, MarkChanged(state.WithActivation(nil, 0))))

	for i := 0; i < 3; i++ {
		_, err := auto.Tick(context.Background())
		require.NoError(t, err)
	}

	hot := auto.HotNodes(0.1)
	ids := make([]graph.NodeID, 0, len(hot))
	for _, h := range hot {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, a)
	assert.Contains(t, ids, c)
	assert.Contains(t, ids, pkg)
	assert.NotContains(t, ids, far)
}
