package resolver

import (
	"context"

	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// Rule evaluates nodes through a pool, one lease per evaluation. Resolver
// errors become Failed outcomes for that node.
type Rule struct {
	id   state.RuleID
	pool *Pool
}

// NewRule returns a pool-backed rule.
func NewRule(id state.RuleID, pool *Pool) *Rule {
	return &Rule{id: id, pool: pool}
}

func (r *Rule) ID() state.RuleID { return r.id }

func (r *Rule) Apply(ctx context.Context, rc *rule.Context) rule.Outcome {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return rule.Failedf("acquire resolver: %v", err)
	}
	defer lease.Release()

	out, err := lease.Resolver().Resolve(ctx, rc)
	if err != nil {
		return rule.Failed(err.Error())
	}
	return out
}
