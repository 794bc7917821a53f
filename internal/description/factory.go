package description

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/propagation"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/script"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// RouterID is the id of the rule that dispatches each node to its
// configured rule.
const RouterID state.RuleID = "description::router"

// Factory turns rule declarations into rules.
type Factory struct {
	// LLM builds llm rules. Without it llm declarations fail to build.
	LLM func(RuleConfig) (rule.Rule, error)
	// BaseDir resolves relative script files.
	BaseDir string
	Log     zerolog.Logger
}

// #region build
// Build resolves every declared rule plus any builtin referenced by a node
// or the defaults, and returns a registry. When no node or default routes
// exist beyond identity and no rules are declared, the standard source-code
// rule set with damped propagation is registered instead.
func (f Factory) Build(d *Description) (*rule.Registry, error) {
	if len(d.Rules) == 0 && !d.hasRoutes() {
		rules := append([]rule.Rule{propagation.NewDampedPropagation(d.StabilityMap(), d.Defaults.DampingCoefficient)},
			propagation.SourceCodeRules()...)
		return rule.NewRegistry(rules...)
	}

	built, err := f.Rules(d)
	if err != nil {
		return nil, err
	}
	router := &Router{routes: make(map[graph.NodeID]rule.Rule), rules: built}
	def, err := f.lookup(d, built, d.Defaults.DefaultRule)
	if err != nil {
		return nil, fmt.Errorf("default rule: %w", err)
	}
	router.fallback = def
	for _, n := range d.Nodes {
		if n.Rule == "" {
			continue
		}
		r, err := f.lookup(d, built, n.Rule)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
		router.routes[n.ID] = r
	}
	return rule.NewRegistry(router)
}

func (d *Description) hasRoutes() bool {
	if d.Defaults.DefaultRule != "" && d.Defaults.DefaultRule != "identity" {
		return true
	}
	for _, n := range d.Nodes {
		if n.Rule != "" {
			return true
		}
	}
	return false
}

// Rules builds every declared rule, keyed by name.
func (f Factory) Rules(d *Description) (map[string]rule.Rule, error) {
	built := make(map[string]rule.Rule, len(d.Rules))
	for _, rc := range d.Rules {
		r, err := f.build(d, rc, built)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		built[rc.Name] = r
	}
	return built, nil
}

func (f Factory) lookup(d *Description, built map[string]rule.Rule, name string) (rule.Rule, error) {
	if r, ok := built[name]; ok {
		return r, nil
	}
	r, err := builtin(d, RuleConfig{Name: name, Type: RuleBuiltin})
	if err != nil {
		return nil, err
	}
	built[name] = r
	return r, nil
}

func (f Factory) build(d *Description, rc RuleConfig, built map[string]rule.Rule) (rule.Rule, error) {
	switch rc.Type {
	case RuleBuiltin:
		return builtin(d, rc)
	case RuleScript:
		opts := []script.Option{script.WithPriority(rc.Priority), script.WithLogger(f.Log)}
		if ms := rc.Float("timeout_ms", 0); ms > 0 {
			opts = append(opts, script.WithTimeout(msDuration(ms)))
		}
		if file := rc.String("file"); file != "" {
			if !filepath.IsAbs(file) {
				file = filepath.Join(f.BaseDir, file)
			}
			return script.Load(state.RuleID(rc.Name), file, opts...)
		}
		if rc.Script == "" {
			return nil, fmt.Errorf("%w: script rule needs script or params.file", ErrInvalid)
		}
		return script.Compile(state.RuleID(rc.Name), rc.Script, opts...)
	case RuleLLM:
		if f.LLM == nil {
			return nil, fmt.Errorf("%w: no resolver configured for llm rules", ErrInvalid)
		}
		return f.LLM(rc)
	case RuleComposite:
		inner := make([]rule.Rule, 0, len(rc.Rules))
		for _, name := range rc.Rules {
			r, ok := built[name]
			if !ok {
				return nil, fmt.Errorf("%w: undeclared rule %q", ErrInvalid, name)
			}
			inner = append(inner, r)
		}
		return rule.NewComposite(state.RuleID(rc.Name), inner...), nil
	}
	return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalid, rc.Type)
}

// #endregion build

// #region builtins
func builtin(d *Description, rc RuleConfig) (rule.Rule, error) {
	damped := func() rule.Rule {
		p := propagation.NewDampedPropagation(d.StabilityMap(), d.Defaults.DampingCoefficient)
		p.Factor = rc.Float("factor", p.Factor)
		return p
	}
	var r rule.Rule
	switch rc.Name {
	case "identity":
		return rule.Identity{}, nil
	case "noop":
		return rule.NoOp{}, nil
	case "decay":
		return propagation.NewDecay(rc.Float("factor", 0.9)), nil
	case "damped_propagation":
		return damped(), nil
	case "import_propagation", "source_code::import_propagation":
		return propagation.DefaultImportPropagation(), nil
	case "module_activation", "source_code::module_activation":
		return propagation.DefaultModuleActivation(), nil
	case "change_proximity", "source_code::change_proximity":
		return propagation.DefaultChangeProximity(), nil
	case "complexity_tracking", "source_code::complexity_tracking":
		return propagation.ComplexityTracking{}, nil
	case string(ClassEntryPoint), string(ClassHub), string(ClassUtility), string(ClassSink):
		r = rule.NewComposite(state.RuleID(rc.Name), propagation.DefaultChangeProximity(), damped())
	case string(ClassDirectory):
		r = rule.NewComposite(state.RuleID(rc.Name), propagation.DefaultChangeProximity(), propagation.DefaultModuleActivation())
	default:
		return nil, fmt.Errorf("%w: unknown builtin rule %q", ErrInvalid, rc.Name)
	}
	return r, nil
}

// #endregion builtins

// #region router
// Router applies each node's configured rule, or the fallback for nodes
// without one.
type Router struct {
	routes   map[graph.NodeID]rule.Rule
	fallback rule.Rule
	rules    map[string]rule.Rule
}

func (*Router) ID() state.RuleID { return RouterID }

func (r *Router) Description() string {
	return fmt.Sprintf("routes %d nodes over %d rules", len(r.routes), len(r.rules))
}

// RuleFor returns the rule id node id is routed to.
func (r *Router) RuleFor(id graph.NodeID) state.RuleID {
	if rl, ok := r.routes[id]; ok {
		return rl.ID()
	}
	return r.fallback.ID()
}

// Names lists the resolved rule names, sorted.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.rules))
	for k := range r.rules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Apply(ctx context.Context, rc *rule.Context) rule.Outcome {
	target, ok := r.routes[rc.NodeID]
	if !ok {
		target = r.fallback
	}
	if cond, ok := target.(rule.Conditional); ok && !cond.ShouldApply(rc) {
		return rule.NoChange()
	}
	return target.Apply(ctx, rc).By(target.ID())
}

// #endregion router
