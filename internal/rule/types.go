package rule

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

var (
	// ErrRuleNotFound is returned when a rule id is not registered.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrDuplicateRule is returned by Register for an id already in use.
	ErrDuplicateRule = errors.New("duplicate rule id")
)

// #region rule-interface
// Rule computes a node's next state from its frozen context. Rules must be
// safe for concurrent use; the same instance evaluates many nodes.
type Rule interface {
	ID() state.RuleID
	Apply(ctx context.Context, rc *Context) Outcome
}

// Prioritized rules are evaluated before lower priorities in a registry.
type Prioritized interface {
	Priority() int
}

// Conditional rules are skipped for nodes where ShouldApply is false.
type Conditional interface {
	ShouldApply(rc *Context) bool
}

// Described rules carry a human readable description.
type Described interface {
	Description() string
}

// #endregion rule-interface

// #region outcome
// Kind discriminates an Outcome.
type Kind int

const (
	KindNoChange Kind = iota
	KindTransition
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindNoChange:
		return "no_change"
	case KindTransition:
		return "transition"
	case KindFailed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of applying a rule to one node.
type Outcome struct {
	Kind   Kind
	State  state.StateData
	Reason string
	// Rule is the rule that produced the outcome when it differs from the
	// rule that was invoked, as with composites.
	Rule state.RuleID
}

// NoChange keeps the node's current state.
func NoChange() Outcome { return Outcome{Kind: KindNoChange} }

// Transition moves the node to s.
func Transition(s state.StateData) Outcome {
	return Outcome{Kind: KindTransition, State: s}
}

// Failed reports a rule failure for this node only.
func Failed(reason string) Outcome {
	return Outcome{Kind: KindFailed, Reason: reason}
}

// Failedf is Failed with formatting.
func Failedf(format string, args ...any) Outcome {
	return Failed(fmt.Sprintf(format, args...))
}

// By stamps the producing rule id onto o unless one is already set.
func (o Outcome) By(id state.RuleID) Outcome {
	if o.Rule == "" {
		o.Rule = id
	}
	return o
}

// IsChange reports whether o carries a new state.
func (o Outcome) IsChange() bool { return o.Kind == KindTransition }

// #endregion outcome

// #region execution-error
// ExecutionError records a rule failure for one node. It never aborts a
// tick.
type ExecutionError struct {
	Rule    state.RuleID `json:"rule_id"`
	Node    graph.NodeID `json:"node_id"`
	Message string       `json:"message"`
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("rule %s failed on node %d: %s", e.Rule, e.Node, e.Message)
}

// #endregion execution-error
