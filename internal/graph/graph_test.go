package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAssignsSequentialIDs(t *testing.T) {
	b := NewBuilder()
	a := b.AddNode("a.go", KindFile)
	c := b.AddNode("c.go", KindFile)
	b.AddEdge(a, c, RelImports)

	g := b.Build()
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, NodeID(0), a)
	assert.Equal(t, NodeID(1), c)
	assert.Equal(t, RelImports, g.Edges[0].Relationship)
}

func TestSaveAndLoadSourceGraph(t *testing.T) {
	b := NewBuilder()
	pkg := b.AddNode("pkg", KindModule)
	f := b.AddNode("pkg/f.go", KindFile)
	b.AddEdge(pkg, f, RelContains)
	g := b.Build()

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, g.Save(path))

	loaded, err := LoadSourceGraph(path)
	require.NoError(t, err)
	assert.Equal(t, g.Nodes, loaded.Nodes)
	assert.Equal(t, g.Edges, loaded.Edges)

	n, ok := loaded.NodeByName("pkg/f.go")
	require.True(t, ok)
	assert.Equal(t, KindFile, n.Kind)
}

func TestParseSourceGraphRejectsGarbage(t *testing.T) {
	_, err := ParseSourceGraph([]byte("{nodes:"))
	assert.Error(t, err)
}

func TestNodeIDRoundTrip(t *testing.T) {
	id, err := ParseNodeID(NodeID(42).String())
	require.NoError(t, err)
	assert.Equal(t, NodeID(42), id)

	_, err = ParseNodeID("x")
	assert.Error(t, err)
}
