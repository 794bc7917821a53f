package temporal

import (
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// View is an immutable copy of every node's evolutionary state taken at one
// instant. Rules read views, never the live graph.
type View struct {
	ids    []graph.NodeID
	states map[graph.NodeID]*state.EvolutionaryState
}

// Freeze copies the current state of every node.
func (t *Graph) Freeze() View {
	v := View{
		ids:    t.ids,
		states: make(map[graph.NodeID]*state.EvolutionaryState, len(t.ids)),
	}
	for _, id := range t.ids {
		v.states[id] = t.nodes[id].Evolution.Clone()
	}
	return v
}

// IDs returns node ids in ascending order. The slice is shared.
func (v View) IDs() []graph.NodeID { return v.ids }

// Len returns the number of nodes in the view.
func (v View) Len() int { return len(v.ids) }

// State returns the frozen history of id.
func (v View) State(id graph.NodeID) (*state.EvolutionaryState, bool) {
	s, ok := v.states[id]
	return s, ok
}

// Current returns the frozen current transition of id.
func (v View) Current(id graph.NodeID) (state.Transition, bool) {
	s, ok := v.states[id]
	if !ok {
		return state.Transition{}, false
	}
	return s.Current(), true
}
