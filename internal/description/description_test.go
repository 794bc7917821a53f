package description

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/propagation"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

func sourceGraph() *graph.SourceGraph {
	b := graph.NewBuilder()
	main := b.AddNode("cmd/app/main.go", graph.KindFile)
	store := b.AddNode("internal/store/store.go", graph.KindFile)
	util := b.AddNode("internal/util/strings.go", graph.KindFile)
	b.AddEdge(main, store, graph.RelImports)
	b.AddEdge(store, util, graph.RelImports)
	b.AddEdge(main, util, graph.RelImports)
	return b.Build()
}

func TestLoadYAML(t *testing.T) {
	d, err := Load(filepath.Join("testdata", "review.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "review", d.Meta.Name)
	assert.Equal(t, "1.0", d.Meta.Version)
	assert.Len(t, d.Nodes, 3)
	assert.Len(t, d.Rules, 3)

	assert.Equal(t, 1.0, d.EffectiveStability(0))
	assert.Equal(t, 0.2, d.EffectiveStability(2), "falls back to initial activation")
	assert.Equal(t, "entry_point", d.EffectiveRule(0))
	assert.Equal(t, "identity", d.EffectiveRule(1))

	n, ok := d.NodeByPath("internal/store/store.go")
	require.True(t, ok)
	assert.Equal(t, graph.NodeID(1), n.ID)
	_, ok = d.RuleByName("chain")
	assert.True(t, ok)
	assert.Equal(t, map[graph.NodeID]float64{0: 1.0, 1: 0.4}, d.StabilityMap())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field": "meta: {name: x}\nbogus: 1\n",
		"dup node":      "meta: {name: x}\nnodes: [{id: 1, path: a}, {id: 1, path: b}]\n",
		"stability":     "meta: {name: x}\nnodes: [{id: 1, path: a, stability: 1.5}]\n",
		"rule type":     "meta: {name: x}\nrules: [{name: r, type: magic}]\n",
		"composite ref": "meta: {name: x}\nrules: [{name: c, type: composite, rules: [missing]}]\n",
		"empty":         "",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseJSON(t *testing.T) {
	d, err := Parse([]byte(`{"meta":{"name":"j"},"defaults":{"damping_coefficient":0.7},"nodes":[{"id":3,"path":"x.go"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 0.7, d.Defaults.DampingCoefficient)
	assert.Equal(t, "identity", d.Defaults.DefaultRule)
	assert.Equal(t, graph.NodeID(3), d.Nodes[0].ID)
}

func TestSaveRoundTrip(t *testing.T) {
	d := Generate(sourceGraph(), "gen", DefaultGeneratorConfig())
	for _, name := range []string{"d.yaml", "d.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, d.Save(path))
		back, err := Load(path)
		require.NoError(t, err, name)
		assert.Equal(t, d.Meta, back.Meta)
		assert.Equal(t, len(d.Nodes), len(back.Nodes))
		assert.Equal(t, d.StabilityMap(), back.StabilityMap())
	}
}

func TestGenerateClassifies(t *testing.T) {
	d := Generate(sourceGraph(), "gen", DefaultGeneratorConfig())
	require.Len(t, d.Nodes, 3)

	assert.Equal(t, string(ClassEntryPoint), d.Nodes[0].Rule)
	assert.Equal(t, 1.0, *d.Nodes[0].Stability)

	// util has the highest in-degree and becomes a hub at full stability
	assert.Equal(t, string(ClassHub), d.Nodes[2].Rule)
	assert.InDelta(t, 1.0, *d.Nodes[2].Stability, 1e-9)

	assert.Equal(t, string(ClassHub), d.Nodes[1].Rule, "in-degree 1 of max 2 meets the threshold")
	assert.InDelta(t, 0.85, *d.Nodes[1].Stability, 1e-9)
	assert.Equal(t, 1.0, d.Nodes[1].Payload["in_degree"])

	assert.Len(t, d.Rules, 6)
	assert.NoError(t, d.Validate())
}

func TestGenerateIsolatedAndDirectory(t *testing.T) {
	b := graph.NewBuilder()
	b.AddNode("lonely.go", graph.KindFile)
	b.AddNode("pkg", graph.KindDirectory)
	d := Generate(b.Build(), "g", DefaultGeneratorConfig())
	assert.Equal(t, string(ClassRegular), d.Nodes[0].Rule)
	assert.Equal(t, 0.1, *d.Nodes[0].Stability)
	assert.Equal(t, string(ClassDirectory), d.Nodes[1].Rule)
	assert.Equal(t, 0.8, *d.Nodes[1].Stability)
}

func TestSeedMarksChanged(t *testing.T) {
	d, err := Load(filepath.Join("testdata", "review.yaml"))
	require.NoError(t, err)
	g, err := temporal.FromSourceGraph(sourceGraph(), 4)
	require.NoError(t, err)

	hit, err := d.Seed(g, []string{"/home/dev/repo/internal/store/store.go", "nope.go"})
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{1}, hit)

	n, err := g.Node(1)
	require.NoError(t, err)
	cur := n.Evolution.CurrentState()
	assert.Equal(t, 1.0, cur.Activation)
	v, _ := cur.Annotation(propagation.AnnotationChanged)
	assert.Equal(t, "true", v)
	assert.Equal(t, map[string]any{"owner": "storage"}, cur.Payload)

	n, err = g.Node(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, n.Evolution.Activation(), 1e-9)
	role, _ := n.Evolution.CurrentState().Annotation("role")
	assert.Equal(t, "entry_point", role)
}

func TestFactoryRoutesNodes(t *testing.T) {
	d, err := Load(filepath.Join("testdata", "review.yaml"))
	require.NoError(t, err)
	d.Nodes[1].Rule = "bump"

	reg, err := Factory{}.Build(d)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	r, err := reg.Get(RouterID)
	require.NoError(t, err)
	router := r.(*Router)
	assert.Equal(t, state.RuleID("entry_point"), router.RuleFor(0))
	assert.Equal(t, state.RuleID("bump"), router.RuleFor(1))
	assert.Equal(t, state.RuleID("identity"), router.RuleFor(2))
	assert.Equal(t, []string{"bump", "chain", "entry_point", "identity"}, router.Names())

	evo, err := state.NewEvolutionaryState(state.WithActivation(nil, 0.3), 2)
	require.NoError(t, err)
	out := router.Apply(context.Background(), &rule.Context{NodeID: 1, State: evo})
	require.Equal(t, rule.KindTransition, out.Kind)
	assert.InDelta(t, 0.4, out.State.Activation, 1e-9)
	assert.Equal(t, state.RuleID("bump"), out.Rule)
}

func TestFactoryDefaultsAndErrors(t *testing.T) {
	reg, err := Factory{}.Build(New("bare"))
	require.NoError(t, err)
	assert.Equal(t, []state.RuleID{"damped_propagation", "source_code::change_proximity",
		"source_code::import_propagation", "source_code::module_activation",
		"source_code::complexity_tracking"}, reg.IDs())

	d := New("llm")
	d.Rules = []RuleConfig{{Name: "think", Type: RuleLLM, SystemPrompt: "be brief"}}
	_, err = Factory{}.Build(d)
	assert.ErrorIs(t, err, ErrInvalid)

	var got RuleConfig
	f := Factory{LLM: func(rc RuleConfig) (rule.Rule, error) {
		got = rc
		return rule.Identity{RuleID: state.RuleID(rc.Name)}, nil
	}}
	_, err = f.Build(d)
	require.NoError(t, err)
	assert.Equal(t, "be brief", got.SystemPrompt)

	d = New("bad")
	d.Defaults.DefaultRule = "does_not_exist"
	_, err = Factory{}.Build(d)
	assert.ErrorIs(t, err, ErrInvalid)
}
