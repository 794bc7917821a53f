package rule

import (
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// NeighborState is a neighbor's frozen history as seen from a node.
type NeighborState struct {
	ID           graph.NodeID
	Relationship string
	State        *state.EvolutionaryState
}

// Context is the read-only input of one rule evaluation. It is built from
// the tick-start view, so rules never observe commits of the same tick.
type Context struct {
	NodeID       graph.NodeID
	Node         graph.Node
	State        *state.EvolutionaryState
	Neighbors    []NeighborState
	Global       map[string]string
	Constitution *graph.Constitution
	Tick         uint64
}

// Current returns the node's current transition.
func (c *Context) Current() state.Transition {
	return c.State.Current()
}

// Activation returns the node's current activation.
func (c *Context) Activation() float64 {
	return c.State.Activation()
}

// GlobalValue returns a global context entry.
func (c *Context) GlobalValue(key string) (string, bool) {
	v, ok := c.Global[key]
	return v, ok
}

// NeighborActivationSum sums current neighbor activations.
func (c *Context) NeighborActivationSum() float64 {
	var sum float64
	for _, n := range c.Neighbors {
		sum += n.State.Activation()
	}
	return sum
}

// AvgNeighborActivation is the mean current neighbor activation, or zero
// for isolated nodes.
func (c *Context) AvgNeighborActivation() float64 {
	if len(c.Neighbors) == 0 {
		return 0
	}
	return c.NeighborActivationSum() / float64(len(c.Neighbors))
}

// ActiveNeighbors counts neighbors whose activation exceeds threshold.
func (c *Context) ActiveNeighbors(threshold float64) int {
	n := 0
	for _, nb := range c.Neighbors {
		if nb.State.Activation() > threshold {
			n++
		}
	}
	return n
}

// NeighborsByRelationship returns the neighbors linked by one of rels.
func (c *Context) NeighborsByRelationship(rels ...string) []NeighborState {
	var out []NeighborState
	for _, nb := range c.Neighbors {
		for _, r := range rels {
			if nb.Relationship == r {
				out = append(out, nb)
				break
			}
		}
	}
	return out
}
