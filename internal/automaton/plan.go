package automaton

import (
	"context"
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

// Plan is the frozen input of one tick. It is read-only and safe to share
// between goroutines.
type Plan struct {
	Tick  uint64
	Now   time.Time
	View  temporal.View
	Rules []rule.Rule

	graph        *temporal.Graph
	global       map[string]string
	constitution *graph.Constitution
}

// NodeIDs returns the ids to evaluate, ascending.
func (p *Plan) NodeIDs() []graph.NodeID { return p.View.IDs() }

// Context builds the rule context of id from the tick-start view.
func (p *Plan) Context(id graph.NodeID) (*rule.Context, error) {
	n, err := p.graph.Node(id)
	if err != nil {
		return nil, err
	}
	hood, err := p.graph.Neighborhood(id)
	if err != nil {
		return nil, err
	}
	self, _ := p.View.State(id)

	rc := &rule.Context{
		NodeID:       id,
		Node:         n.Node,
		State:        self,
		Neighbors:    make([]rule.NeighborState, 0, len(hood)),
		Global:       p.global,
		Constitution: p.constitution,
		Tick:         p.Tick,
	}
	for _, nb := range hood {
		ns, ok := p.View.State(nb.ID)
		if !ok {
			continue
		}
		rc.Neighbors = append(rc.Neighbors, rule.NeighborState{ID: nb.ID, Relationship: nb.Relationship, State: ns})
	}
	return rc, nil
}

// EvaluateNode applies the plan's rules to id, first applicable wins.
func (p *Plan) EvaluateNode(ctx context.Context, id graph.NodeID) NodeOutcome {
	rc, err := p.Context(id)
	if err != nil {
		return NodeOutcome{NodeID: id, Outcome: rule.Failed(err.Error())}
	}
	return p.EvaluateContext(ctx, rc)
}

// EvaluateContext is EvaluateNode for a prepared context.
func (p *Plan) EvaluateContext(ctx context.Context, rc *rule.Context) NodeOutcome {
	for _, r := range p.Rules {
		if cond, ok := r.(rule.Conditional); ok && !cond.ShouldApply(rc) {
			continue
		}
		out := rule.SafeApply(ctx, r, rc)
		if out.Kind != rule.KindNoChange {
			out = out.By(r.ID())
			return NodeOutcome{NodeID: rc.NodeID, Rule: out.Rule, Outcome: out}
		}
	}
	return NodeOutcome{NodeID: rc.NodeID, Outcome: rule.NoChange()}
}

// Sequential evaluates nodes one after another in ascending id.
type Sequential struct{}

func (Sequential) Evaluate(ctx context.Context, plan *Plan) ([]NodeOutcome, error) {
	ids := plan.NodeIDs()
	out := make([]NodeOutcome, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, plan.EvaluateNode(ctx, id))
	}
	return out, nil
}
