package rule

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// #region noop
// NoOp never changes a node.
type NoOp struct{}

func (NoOp) ID() state.RuleID                        { return state.RuleNoop }
func (NoOp) Apply(context.Context, *Context) Outcome { return NoChange() }

// #endregion noop

// #region identity
// Identity re-emits the node's current state. It always produces a
// transition, so history grows while the state stays the same.
type Identity struct {
	RuleID state.RuleID
}

func (r Identity) ID() state.RuleID {
	if r.RuleID == "" {
		return "identity"
	}
	return r.RuleID
}

func (r Identity) Apply(_ context.Context, rc *Context) Outcome {
	return Transition(rc.Current().State)
}

// #endregion identity

// #region func
// Func adapts a function to the Rule interface.
type Func struct {
	RuleID state.RuleID
	Fn     func(ctx context.Context, rc *Context) Outcome
}

func (f Func) ID() state.RuleID { return f.RuleID }

func (f Func) Apply(ctx context.Context, rc *Context) Outcome {
	return f.Fn(ctx, rc)
}

// #endregion func

// #region composite
// Composite evaluates its rules in order and returns the first outcome that
// is not NoChange. Later rules are not evaluated.
type Composite struct {
	id    state.RuleID
	rules []Rule
}

// NewComposite builds a composite with the given id.
func NewComposite(id state.RuleID, rules ...Rule) *Composite {
	return &Composite{id: id, rules: rules}
}

func (c *Composite) ID() state.RuleID { return c.id }

// Rules returns the composed rules in evaluation order.
func (c *Composite) Rules() []Rule { return c.rules }

func (c *Composite) Apply(ctx context.Context, rc *Context) Outcome {
	for _, r := range c.rules {
		if cond, ok := r.(Conditional); ok && !cond.ShouldApply(rc) {
			continue
		}
		if out := r.Apply(ctx, rc); out.Kind != KindNoChange {
			return out.By(r.ID())
		}
	}
	return NoChange()
}

func (c *Composite) Description() string {
	return fmt.Sprintf("first applicable of %d rules", len(c.rules))
}

// #endregion composite

// #region safe-apply
// SafeApply applies r, converting a panic into a Failed outcome so one
// misbehaving rule cannot take down a tick.
func SafeApply(ctx context.Context, r Rule, rc *Context) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Failedf("panic: %v", p).By(r.ID())
		}
	}()
	return r.Apply(ctx, rc)
}

// #endregion safe-apply
