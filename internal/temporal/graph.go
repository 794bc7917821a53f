package temporal

import (
	"errors"
	"fmt"
	"slices"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

var (
	// ErrNodeNotFound is returned for ids that are not part of the graph.
	ErrNodeNotFound = errors.New("node not found")
	// ErrGraphConstruction is returned when a structural graph cannot be
	// wrapped.
	ErrGraphConstruction = errors.New("graph construction")
)

// #region types
// Node pairs a read-only structural node with its evolving state.
type Node struct {
	Node      graph.Node
	Evolution *state.EvolutionaryState
}

// Neighbor is an adjacent node and the label of the first edge linking them.
type Neighbor struct {
	ID           graph.NodeID
	Relationship string
}

// Graph wraps a structural graph with per-node evolutionary state. Topology
// is fixed at construction; only node states change.
type Graph struct {
	source *graph.SourceGraph
	window int
	nodes  map[graph.NodeID]*Node
	ids    []graph.NodeID
	adj    map[graph.NodeID][]Neighbor
	adjIDs map[graph.NodeID][]graph.NodeID
}

// Stats summarises the graph.
type Stats struct {
	Nodes            int     `json:"nodes"`
	Edges            int     `json:"edges"`
	EvolvedNodes     int     `json:"evolved_nodes"`
	TotalTransitions uint64  `json:"total_transitions"`
	AvgActivation    float64 `json:"avg_activation"`
	HistoryWindow    int     `json:"history_window"`
}

// #endregion types

// #region constructor
// FromSourceGraph wraps g. Every node starts with an empty payload at zero
// activation. Duplicate node ids and edges to unknown nodes are rejected.
func FromSourceGraph(g *graph.SourceGraph, window int) (*Graph, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: %d (must be >= 1)", state.ErrInvalidHistoryWindow, window)
	}
	if g == nil {
		g = &graph.SourceGraph{}
	}

	t := &Graph{
		source: g,
		window: window,
		nodes:  make(map[graph.NodeID]*Node, len(g.Nodes)),
		ids:    make([]graph.NodeID, 0, len(g.Nodes)),
		adj:    make(map[graph.NodeID][]Neighbor, len(g.Nodes)),
		adjIDs: make(map[graph.NodeID][]graph.NodeID, len(g.Nodes)),
	}

	for _, n := range g.Nodes {
		if _, dup := t.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %d", ErrGraphConstruction, n.ID)
		}
		evo, err := state.NewEvolutionaryState(state.WithActivation(nil, 0), window)
		if err != nil {
			return nil, err
		}
		t.nodes[n.ID] = &Node{Node: n, Evolution: evo}
		t.ids = append(t.ids, n.ID)
	}
	slices.Sort(t.ids)

	for _, e := range g.Edges {
		if _, ok := t.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: edge %d references unknown node %d", ErrGraphConstruction, e.ID, e.From)
		}
		if _, ok := t.nodes[e.To]; !ok {
			return nil, fmt.Errorf("%w: edge %d references unknown node %d", ErrGraphConstruction, e.ID, e.To)
		}
		if e.From == e.To {
			continue
		}
		t.link(e.From, e.To, e.Relationship)
		t.link(e.To, e.From, e.Relationship)
	}

	for id, ns := range t.adj {
		slices.SortFunc(ns, func(a, b Neighbor) int {
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			}
			return 0
		})
		ids := make([]graph.NodeID, len(ns))
		for i, n := range ns {
			ids[i] = n.ID
		}
		t.adjIDs[id] = ids
	}
	return t, nil
}

// link records to as a neighbor of from unless an earlier edge already did.
func (t *Graph) link(from, to graph.NodeID, rel string) {
	for _, n := range t.adj[from] {
		if n.ID == to {
			return
		}
	}
	t.adj[from] = append(t.adj[from], Neighbor{ID: to, Relationship: rel})
}

// #endregion constructor

// #region accessors
// Source returns the structural graph this graph was built from.
func (t *Graph) Source() *graph.SourceGraph { return t.source }

// HistoryWindow returns the per-node ring buffer capacity.
func (t *Graph) HistoryWindow() int { return t.window }

// NodeCount returns the number of nodes.
func (t *Graph) NodeCount() int { return len(t.ids) }

// EdgeCount returns the number of structural edges.
func (t *Graph) EdgeCount() int { return len(t.source.Edges) }

// NodeIDs returns all node ids in ascending order.
func (t *Graph) NodeIDs() []graph.NodeID {
	return slices.Clone(t.ids)
}

// Node returns the node with the given id.
func (t *Graph) Node(id graph.NodeID) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return n, nil
}

// Neighbors returns the ids adjacent to id through any edge direction,
// ascending and without duplicates. The returned slice is shared and must
// not be modified.
func (t *Graph) Neighbors(id graph.NodeID) ([]graph.NodeID, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return t.adjIDs[id], nil
}

// Neighborhood is Neighbors with relationship labels.
func (t *Graph) Neighborhood(id graph.NodeID) ([]Neighbor, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return t.adj[id], nil
}

// #endregion accessors

// #region mutation
// SetInitialState replaces the node's history with a single transition
// holding s.
func (t *Graph) SetInitialState(id graph.NodeID, s state.StateData) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	evo, err := state.NewEvolutionaryState(s, t.window)
	if err != nil {
		return err
	}
	n.Evolution = evo
	return nil
}

// ApplyTransition pushes tr onto the node's history.
func (t *Graph) ApplyTransition(id graph.NodeID, tr state.Transition) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	n.Evolution.Push(tr)
	return nil
}

// RestoreEvolution installs a previously persisted history for id. The
// history window must match the graph's.
func (t *Graph) RestoreEvolution(id graph.NodeID, evo *state.EvolutionaryState) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	if evo.Window() != t.window {
		return fmt.Errorf("%w: node %d history window %d, graph uses %d",
			ErrGraphConstruction, id, evo.Window(), t.window)
	}
	n.Evolution = evo
	return nil
}

// #endregion mutation

// #region stats
// EvolvedNodes returns ids of nodes that recorded at least one transition
// beyond their seed.
func (t *Graph) EvolvedNodes() []graph.NodeID {
	var out []graph.NodeID
	for _, id := range t.ids {
		if t.nodes[id].Evolution.HasEvolved() {
			out = append(out, id)
		}
	}
	return out
}

// Stats computes a summary over all nodes.
func (t *Graph) Stats() Stats {
	s := Stats{
		Nodes:         len(t.ids),
		Edges:         len(t.source.Edges),
		HistoryWindow: t.window,
	}
	var sum float64
	for _, id := range t.ids {
		evo := t.nodes[id].Evolution
		if evo.HasEvolved() {
			s.EvolvedNodes++
		}
		s.TotalTransitions += evo.TransitionCount()
		sum += evo.Activation()
	}
	if s.Nodes > 0 {
		s.AvgActivation = sum / float64(s.Nodes)
	}
	return s
}

// #endregion stats
