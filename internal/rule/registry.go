package rule

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// Registry maps rule ids to rules. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[state.RuleID]Rule
	order []state.RuleID
}

// NewRegistry returns a registry holding rules.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[state.RuleID]Rule)}
	for _, rl := range rules {
		if err := r.Register(rl); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds rule. An id that is already registered is rejected; use
// Replace to swap an existing rule.
func (r *Registry) Register(rl Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := rl.ID()
	if _, ok := r.rules[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, id)
	}
	r.rules[id] = rl
	r.order = append(r.order, id)
	return nil
}

// Replace installs rl under its id, keeping the original registration
// position when the id already exists.
func (r *Registry) Replace(rl Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := rl.ID()
	if _, ok := r.rules[id]; !ok {
		r.order = append(r.order, id)
	}
	r.rules[id] = rl
}

// Remove deletes a rule.
func (r *Registry) Remove(id state.RuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(r.rules, id)
	r.order = slices.DeleteFunc(r.order, func(o state.RuleID) bool { return o == id })
	return nil
}

// Get returns the rule registered under id.
func (r *Registry) Get(id state.RuleID) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rl, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rl, nil
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// IDs returns rule ids in registration order.
func (r *Registry) IDs() []state.RuleID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Ordered returns rules by descending priority, registration order breaking
// ties. Rules without a priority rank as zero.
func (r *Registry) Ordered() []Rule {
	r.mu.RLock()
	out := make([]Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id])
	}
	r.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Rule) int {
		return priorityOf(b) - priorityOf(a)
	})
	return out
}

// Apply evaluates the rule registered under id.
func (r *Registry) Apply(ctx context.Context, id state.RuleID, rc *Context) (Outcome, error) {
	rl, err := r.Get(id)
	if err != nil {
		return Outcome{}, err
	}
	return SafeApply(ctx, rl, rc).By(id), nil
}

func priorityOf(r Rule) int {
	if p, ok := r.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}
