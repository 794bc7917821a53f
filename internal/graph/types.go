package graph

import (
	"strconv"
)

// #region node-id
// NodeID identifies a node of the structural graph. IDs are stable for the
// lifetime of a graph and order the commit phase of every tick.
type NodeID uint64

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses the decimal form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return NodeID(v), nil
}

// EdgeID identifies an edge of the structural graph.
type EdgeID uint64

// #endregion node-id

// #region kinds
// Kind classifies a structural node.
type Kind string

const (
	KindModule    Kind = "Module"
	KindFile      Kind = "File"
	KindDirectory Kind = "Directory"
	KindService   Kind = "Service"
	KindTest      Kind = "Test"
	KindOther     Kind = "Other"
)

// Well-known relationship labels emitted by the scanner.
const (
	RelImports   = "imports"
	RelUses      = "uses"
	RelContains  = "contains"
	RelDependsOn = "depends_on"
)

// #endregion kinds

// #region types
// Node is a structural node. It is read-only once the graph is built.
type Node struct {
	ID       NodeID            `json:"id"`
	Name     string            `json:"name"`
	Kind     Kind              `json:"kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Edge is a labelled, directed link between two nodes.
type Edge struct {
	ID           EdgeID            `json:"id"`
	From         NodeID            `json:"from"`
	To           NodeID            `json:"to"`
	Relationship string            `json:"relationship"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SourceGraph is the scanner output the automaton is built from.
type SourceGraph struct {
	Nodes    []Node            `json:"nodes"`
	Edges    []Edge            `json:"edges"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Constitution is the external policy object handed to rules through the
// global tick context.
type Constitution struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []string `json:"policies,omitempty"`
}

// #endregion types
