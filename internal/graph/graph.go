package graph

import (
	"encoding/json"
	"fmt"
	"os"
)

// #region load
// LoadSourceGraph reads a scanner JSON document from disk.
func LoadSourceGraph(path string) (*SourceGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return ParseSourceGraph(data)
}

// ParseSourceGraph decodes a scanner JSON document.
func ParseSourceGraph(data []byte) (*SourceGraph, error) {
	var g SourceGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	return &g, nil
}

// Save writes the graph as indented JSON.
func (g *SourceGraph) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	return nil
}

// #endregion load

// #region builder
// Builder assembles a SourceGraph in memory. Node and edge ids are assigned
// sequentially starting at zero.
type Builder struct {
	g      SourceGraph
	nextID NodeID
	nextEd EdgeID
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddNode appends a node and returns its id.
func (b *Builder) AddNode(name string, kind Kind) NodeID {
	id := b.nextID
	b.nextID++
	b.g.Nodes = append(b.g.Nodes, Node{ID: id, Name: name, Kind: kind})
	return id
}

// AddEdge links two previously added nodes.
func (b *Builder) AddEdge(from, to NodeID, relationship string) EdgeID {
	id := b.nextEd
	b.nextEd++
	b.g.Edges = append(b.g.Edges, Edge{ID: id, From: from, To: to, Relationship: relationship})
	return id
}

// Build returns a copy of the assembled graph.
func (b *Builder) Build() *SourceGraph {
	out := SourceGraph{
		Nodes: append([]Node(nil), b.g.Nodes...),
		Edges: append([]Edge(nil), b.g.Edges...),
	}
	return &out
}

// #endregion builder

// #region lookup
// NodeByName returns the first node with the given name.
func (g *SourceGraph) NodeByName(name string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// #endregion lookup
