// Package propagation implements activation rules for source-code graphs:
// change impact spreads along dependency edges and aggregates into modules.
package propagation

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// AnnotationChanged marks nodes touched by a recent change.
const AnnotationChanged = "git:changed"

var dependencyRels = []string{graph.RelImports, graph.RelUses, graph.RelContains}

// minChange is the smallest activation change worth a transition.
const minChange = 0.001

func maxActivation(ns []rule.NeighborState) float64 {
	var m float64
	for _, n := range ns {
		m = math.Max(m, n.State.Activation())
	}
	return m
}

// #region decay
// Decay multiplies activation by Factor every tick.
type Decay struct {
	Factor float64
}

// NewDecay returns a decay rule; 0.5 halves activation each tick.
func NewDecay(factor float64) Decay { return Decay{Factor: factor} }

func (Decay) ID() state.RuleID { return "decay" }

func (d Decay) Description() string {
	return fmt.Sprintf("multiplies activation by %.3f", d.Factor)
}

func (d Decay) Apply(_ context.Context, rc *rule.Context) rule.Outcome {
	s := rc.Current().State
	next := s.Activation * d.Factor
	if next == s.Activation {
		return rule.NoChange()
	}
	return rule.Transition(s.SetActivation(next))
}

// #endregion decay

// #region import-propagation
// ImportPropagation blends a node's activation with the strongest
// dependency neighbor.
type ImportPropagation struct {
	Factor    float64 // share of the neighbor's activation that propagates
	Threshold float64 // neighbor activation needed to trigger
	Decay     float64 // per-hop attenuation
}

// DefaultImportPropagation returns the standard weights.
func DefaultImportPropagation() ImportPropagation {
	return ImportPropagation{Factor: 0.3, Threshold: 0.1, Decay: 0.8}
}

func (ImportPropagation) ID() state.RuleID { return "source_code::import_propagation" }
func (ImportPropagation) Priority() int    { return 10 }
func (ImportPropagation) Description() string {
	return "propagates activation along import and use relationships"
}

func (p ImportPropagation) ShouldApply(rc *rule.Context) bool {
	for _, n := range rc.Neighbors {
		if n.State.Activation() >= p.Threshold {
			return true
		}
	}
	return false
}

func (p ImportPropagation) Apply(_ context.Context, rc *rule.Context) rule.Outcome {
	cur := rc.Current().State
	peak := maxActivation(rc.NeighborsByRelationship(dependencyRels...))
	propagated := peak * p.Factor * p.Decay
	next := math.Min(cur.Activation*0.7+propagated*0.3, 1)
	if math.Abs(next-cur.Activation) < minChange {
		return rule.NoChange()
	}
	return rule.Transition(cur.SetActivation(next).Annotate("propagation_source", strconv.FormatFloat(peak, 'f', 3, 64)))
}

// #endregion import-propagation

// #region module-activation
// ModuleActivation pulls modules and directories toward the activation of
// the files they contain.
type ModuleActivation struct {
	Weight float64
}

// DefaultModuleActivation returns the standard weight.
func DefaultModuleActivation() ModuleActivation { return ModuleActivation{Weight: 0.5} }

func (ModuleActivation) ID() state.RuleID { return "source_code::module_activation" }
func (ModuleActivation) Priority() int    { return 5 }
func (ModuleActivation) Description() string {
	return "activates modules based on their contained files"
}

func (ModuleActivation) ShouldApply(rc *rule.Context) bool {
	if rc.Node.Kind == graph.KindModule || rc.Node.Kind == graph.KindDirectory {
		return true
	}
	return len(rc.NeighborsByRelationship(graph.RelContains)) > 0
}

func (m ModuleActivation) Apply(_ context.Context, rc *rule.Context) rule.Outcome {
	children := rc.NeighborsByRelationship(graph.RelContains)
	if len(children) == 0 {
		return rule.NoChange()
	}
	var sum float64
	for _, c := range children {
		sum += c.State.Activation()
	}
	aggregated := maxActivation(children)*0.6 + (sum/float64(len(children)))*0.4

	cur := rc.Current().State
	next := math.Min(cur.Activation*(1-m.Weight)+aggregated*m.Weight, 1)
	if math.Abs(next-cur.Activation) < minChange {
		return rule.NoChange()
	}
	return rule.Transition(cur.SetActivation(next).Annotate("child_count", strconv.Itoa(len(children))))
}

// #endregion module-activation

// #region change-proximity
// ChangeProximity boosts changed nodes and their direct neighbors.
type ChangeProximity struct {
	DirectBoost   float64
	AdjacentBoost float64
}

// DefaultChangeProximity returns the standard boosts.
func DefaultChangeProximity() ChangeProximity {
	return ChangeProximity{DirectBoost: 1.0, AdjacentBoost: 0.4}
}

func (ChangeProximity) ID() state.RuleID { return "source_code::change_proximity" }
func (ChangeProximity) Priority() int    { return 15 }
func (ChangeProximity) Description() string {
	return "boosts activation for nodes near recent changes"
}

func changed(s state.StateData) bool {
	_, ok := s.Annotation(AnnotationChanged)
	return ok
}

func (ChangeProximity) ShouldApply(rc *rule.Context) bool {
	if changed(rc.Current().State) {
		return true
	}
	for _, n := range rc.Neighbors {
		if changed(n.State.CurrentState()) {
			return true
		}
	}
	return false
}

func (c ChangeProximity) Apply(_ context.Context, rc *rule.Context) rule.Outcome {
	cur := rc.Current().State
	var boost float64
	proximity := "adjacent"
	switch {
	case changed(cur):
		boost = c.DirectBoost
		proximity = "direct"
	case c.ShouldApply(rc):
		boost = c.AdjacentBoost
	}
	if boost == 0 {
		return rule.NoChange()
	}
	next := math.Min(cur.Activation+boost*0.5, 1)
	return rule.Transition(cur.SetActivation(next).Annotate("change_proximity", proximity))
}

// #endregion change-proximity

// #region damped-propagation
// DampedPropagation moves activation toward the propagated dependency signal,
// slowed by each node's stability.
type DampedPropagation struct {
	Stability map[graph.NodeID]float64
	Damping   float64
	Factor    float64
	MinDelta  float64
}

// NewDampedPropagation builds the rule from per-node stabilities.
func NewDampedPropagation(stability map[graph.NodeID]float64, damping float64) *DampedPropagation {
	return &DampedPropagation{Stability: stability, Damping: damping, Factor: 0.25, MinDelta: 0.005}
}

func (*DampedPropagation) ID() state.RuleID { return "damped_propagation" }
func (*DampedPropagation) Priority() int    { return 10 }
func (*DampedPropagation) Description() string {
	return "propagates activation along dependency edges, damped by per-node stability"
}

func (d *DampedPropagation) ShouldApply(rc *rule.Context) bool {
	if rc.Activation() > 0.01 {
		return true
	}
	return rc.ActiveNeighbors(0.01) > 0
}

func (d *DampedPropagation) Apply(_ context.Context, rc *rule.Context) rule.Outcome {
	cur := rc.Current().State
	stability := d.Stability[rc.NodeID]

	propagated := maxActivation(rc.NeighborsByRelationship(dependencyRels...)) * d.Factor
	damping := 1 - stability*d.Damping
	next := state.Clamp01(cur.Activation + (propagated-cur.Activation)*damping)
	if math.Abs(next-cur.Activation) < d.MinDelta {
		return rule.NoChange()
	}
	return rule.Transition(cur.SetActivation(next).
		Annotate("damping_factor", strconv.FormatFloat(damping, 'f', 3, 64)).
		Annotate("stability", strconv.FormatFloat(stability, 'f', 2, 64)))
}

// #endregion damped-propagation

// #region complexity
// ComplexityTracking records neighbor and import counts in the payload.
type ComplexityTracking struct{}

func (ComplexityTracking) ID() state.RuleID { return "source_code::complexity_tracking" }

func (ComplexityTracking) Apply(_ context.Context, rc *rule.Context) rule.Outcome {
	imports := len(rc.NeighborsByRelationship(graph.RelImports, graph.RelUses))
	payload := map[string]any{
		"neighbor_count":   float64(len(rc.Neighbors)),
		"import_count":     float64(imports),
		"complexity_score": math.Min(float64(len(rc.Neighbors))*0.1+float64(imports)*0.2, 1),
	}
	cur := rc.Current().State
	if state.PayloadEqual(cur.Payload, payload) {
		return rule.NoChange()
	}
	cur.Payload = payload
	return rule.Transition(cur)
}

// #endregion complexity

// #region defaults
// SourceCodeRules returns the standard rule set, highest priority first.
func SourceCodeRules() []rule.Rule {
	return []rule.Rule{
		DefaultChangeProximity(),
		DefaultImportPropagation(),
		DefaultModuleActivation(),
		ComplexityTracking{},
	}
}

// MarkChanged annotates s as changed at full activation.
func MarkChanged(s state.StateData) state.StateData {
	return s.SetActivation(1).Annotate(AnnotationChanged, "true")
}

// #endregion defaults
