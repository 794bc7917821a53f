package automaton

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/heuristic"
	"github.com/danielpatrickdp/graph-automaton/internal/metrics"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
	"github.com/danielpatrickdp/graph-automaton/internal/temporal"
)

var tracer = otel.Tracer("graph-automaton/automaton")

// #region automaton-struct
// Automaton ticks a temporal graph with registered rules. All methods are
// safe for concurrent use; ticks are serialised.
type Automaton struct {
	mu sync.Mutex

	graph        *temporal.Graph
	rules        *rule.Registry
	cfg          Config
	heuristics   []heuristic.Heuristic
	stop         heuristic.Predicate
	global       map[string]string
	constitution *graph.Constitution
	clock        func() time.Time
	log          zerolog.Logger
	observers    []func(TickResult)

	tick     uint64
	results  []TickResult
	readings []heuristic.Readings
	phase    Phase
	err      error
}

// Option configures an Automaton.
type Option func(*Automaton)

// WithRegistry sets the rules evaluated by Tick.
func WithRegistry(r *rule.Registry) Option {
	return func(a *Automaton) { a.rules = r }
}

// WithHeuristics replaces the default heuristics.
func WithHeuristics(hs ...heuristic.Heuristic) Option {
	return func(a *Automaton) { a.heuristics = hs }
}

// WithPredicate replaces the stop predicate derived from Config.Stop.
func WithPredicate(p heuristic.Predicate) Option {
	return func(a *Automaton) { a.stop = p }
}

// WithClock sets the source of tick timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Automaton) { a.clock = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Automaton) { a.log = l.With().Str("component", "automaton").Logger() }
}

// WithConstitution attaches a policy object visible to every rule.
func WithConstitution(c *graph.Constitution) Option {
	return func(a *Automaton) { a.constitution = c }
}

// WithGlobal seeds the global context.
func WithGlobal(kv map[string]string) Option {
	return func(a *Automaton) { maps.Copy(a.global, kv) }
}

// WithObserver registers a callback run after every committed tick. It runs
// while the tick lock is held and must not call back into the automaton.
func WithObserver(fn func(TickResult)) Option {
	return func(a *Automaton) { a.observers = append(a.observers, fn) }
}

// #endregion automaton-struct

// #region constructor
// New wraps g. The graph's history window wins over cfg.HistoryWindow.
func New(g *temporal.Graph, cfg Config, opts ...Option) (*Automaton, error) {
	if g == nil {
		return nil, fmt.Errorf("new automaton: nil graph")
	}
	cfg.HistoryWindow = g.HistoryWindow()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new automaton: %w", err)
	}
	empty, _ := rule.NewRegistry()
	a := &Automaton{
		graph:      g,
		rules:      empty,
		cfg:        cfg,
		heuristics: heuristic.Defaults(),
		global:     make(map[string]string),
		clock:      func() time.Time { return time.Now().UTC() },
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.stop == nil {
		a.stop = heuristic.NewThreshold(cfg.Stop)
	}
	return a, nil
}

// FromSourceGraph builds the temporal graph and the automaton in one step.
func FromSourceGraph(src *graph.SourceGraph, cfg Config, opts ...Option) (*Automaton, error) {
	g, err := temporal.FromSourceGraph(src, cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	return New(g, cfg, opts...)
}

// #endregion constructor

// #region tick
// Tick evaluates every registered rule against every node, first applicable
// rule wins.
func (a *Automaton) Tick(ctx context.Context) (TickResult, error) {
	return a.TickWith(ctx, Sequential{})
}

// TickWithRule evaluates a single registered rule. An unknown id is fatal.
func (a *Automaton) TickWithRule(ctx context.Context, id state.RuleID) (TickResult, error) {
	r, err := a.rules.Get(id)
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.phase.Terminal() {
			return TickResult{}, fmt.Errorf("tick: %w (%s)", ErrTerminal, a.phase)
		}
		a.fail(err)
		return TickResult{}, fmt.Errorf("tick: %w", err)
	}
	return a.runTick(ctx, []rule.Rule{r}, Sequential{})
}

// TickWith runs one tick using ev to evaluate nodes.
func (a *Automaton) TickWith(ctx context.Context, ev Evaluator) (TickResult, error) {
	return a.runTick(ctx, a.rules.Ordered(), ev)
}

func (a *Automaton) runTick(ctx context.Context, rules []rule.Rule, ev Evaluator) (TickResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase.Terminal() {
		return TickResult{}, fmt.Errorf("tick: %w (%s)", ErrTerminal, a.phase)
	}
	a.phase = PhaseTicking

	ctx, span := tracer.Start(ctx, "automaton.Tick")
	defer span.End()

	began := time.Now()
	start := a.clock()
	plan := &Plan{
		Tick:         a.tick + 1,
		Now:          start,
		View:         a.graph.Freeze(),
		Rules:        rules,
		graph:        a.graph,
		global:       maps.Clone(a.global),
		constitution: a.constitution,
	}
	span.SetAttributes(attribute.Int64("tick", int64(plan.Tick)), attribute.Int("nodes", plan.View.Len()))

	outs, err := ev.Evaluate(ctx, plan)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			a.phase = PhaseIdle
			metrics.TicksTotal.WithLabelValues("cancelled").Inc()
			span.SetStatus(codes.Error, "cancelled")
			a.log.Info().Uint64("tick", plan.Tick).Msg("tick cancelled before commit")
			return TickResult{}, fmt.Errorf("tick %d: %w", plan.Tick, ctx.Err())
		}
		a.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TickResult{}, fmt.Errorf("tick %d: evaluate: %w", plan.Tick, err)
	}

	result, err := a.commit(plan, outs)
	if err != nil {
		a.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TickResult{}, fmt.Errorf("tick %d: %w", plan.Tick, err)
	}

	post := a.graph.Freeze()
	result.Readings = heuristic.MeasureAll(a.heuristics, heuristic.Observation{Pre: plan.View, Post: post})
	result.AvgActivation = avgActivation(post)
	result.StartedAt = start
	result.Duration = time.Since(began)

	a.tick = plan.Tick
	a.results = append(a.results, result)
	a.readings = append(a.readings, result.Readings)
	a.phase = PhaseIdle

	metrics.TicksTotal.WithLabelValues("ok").Inc()
	metrics.TickDuration.Observe(result.Duration.Seconds())
	metrics.TransitionsTotal.Add(float64(result.Changed))
	span.SetAttributes(attribute.Int("changed", result.Changed), attribute.Int("failures", len(result.Failures)))

	a.log.Debug().
		Uint64("tick", result.Tick).
		Int("changed", result.Changed).
		Int("failures", len(result.Failures)).
		Float64("stability", result.Readings[heuristic.NameStability]).
		Msg("tick committed")

	for _, fn := range a.observers {
		fn(result)
	}
	return result, nil
}

// commit validates every outcome before writing any of them, so a rejected
// tick leaves the graph untouched.
func (a *Automaton) commit(plan *Plan, outs []NodeOutcome) (TickResult, error) {
	sorted := slices.Clone(outs)
	slices.SortStableFunc(sorted, func(x, y NodeOutcome) int {
		switch {
		case x.NodeID < y.NodeID:
			return -1
		case x.NodeID > y.NodeID:
			return 1
		}
		return 0
	})

	if len(sorted) != plan.View.Len() {
		return TickResult{}, fmt.Errorf("%w: %d outcomes for %d nodes", ErrInconsistentState, len(sorted), plan.View.Len())
	}
	for i, o := range sorted {
		if _, ok := plan.View.State(o.NodeID); !ok {
			return TickResult{}, fmt.Errorf("%w: outcome for unknown node %d", ErrInconsistentState, o.NodeID)
		}
		if i > 0 && sorted[i-1].NodeID == o.NodeID {
			return TickResult{}, fmt.Errorf("%w: node %d committed twice", ErrInconsistentState, o.NodeID)
		}
	}

	result := TickResult{Tick: plan.Tick}
	for _, o := range sorted {
		ruleID := o.Outcome.Rule
		if ruleID == "" {
			ruleID = o.Rule
		}
		switch o.Outcome.Kind {
		case rule.KindTransition:
			if ruleID == "" {
				ruleID = state.RuleExternal
			}
			tr := state.NewTransition(ruleID).WithState(o.Outcome.State).At(plan.Now).Build()
			if err := a.graph.ApplyTransition(o.NodeID, tr); err != nil {
				return TickResult{}, fmt.Errorf("%w: %v", ErrInconsistentState, err)
			}
			result.Changed++
		case rule.KindFailed:
			fe := rule.ExecutionError{Rule: ruleID, Node: o.NodeID, Message: o.Outcome.Reason}
			result.Failures = append(result.Failures, fe)
			metrics.NodeFailuresTotal.WithLabelValues(string(ruleID)).Inc()
			a.log.Warn().Uint64("tick", plan.Tick).Err(fe).Msg("rule failed")
		default:
			result.Unchanged++
		}
	}
	return result, nil
}

func (a *Automaton) fail(err error) {
	a.phase = PhaseFailed
	a.err = err
	metrics.TicksTotal.WithLabelValues("failed").Inc()
	a.log.Error().Err(err).Msg("automaton failed")
}

func avgActivation(v temporal.View) float64 {
	if v.Len() == 0 {
		return 0
	}
	var sum float64
	for _, id := range v.IDs() {
		cur, _ := v.Current(id)
		sum += cur.State.Activation
	}
	return sum / float64(v.Len())
}

// #endregion tick

// #region run
// Run ticks until the stop predicate holds or MaxTicks ticks ran.
func (a *Automaton) Run(ctx context.Context) (RunSummary, error) {
	return a.RunWith(ctx, Sequential{})
}

// RunWith is Run with a custom evaluator.
func (a *Automaton) RunWith(ctx context.Context, ev Evaluator) (RunSummary, error) {
	var sum RunSummary
	for sum.Ticks < a.cfg.MaxTicks {
		res, err := a.TickWith(ctx, ev)
		if err != nil {
			return sum, err
		}
		sum.Ticks++
		sum.Results = append(sum.Results, res)

		if d, ok := a.checkStop(); ok {
			sum.Converged = true
			sum.Reason = d.Reason
			a.log.Info().Uint64("tick", res.Tick).Str("reason", d.Reason).Msg("converged")
			return sum, nil
		}
	}
	sum.Reason = fmt.Sprintf("reached max ticks (%d)", a.cfg.MaxTicks)
	return sum, nil
}

// checkStop evaluates the predicate and moves to PhaseConverged when it
// holds.
func (a *Automaton) checkStop() (heuristic.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.readings) < a.cfg.MinTicksBeforeStability {
		return heuristic.Decision{}, false
	}
	d := a.stop.Evaluate(a.readings)
	if !d.Stop {
		return d, false
	}
	a.phase = PhaseConverged
	return d, true
}

// Reset returns a terminal automaton to idle. Node states and tick count are
// kept; the reading history used by the stop predicate is cleared.
func (a *Automaton) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phase = PhaseIdle
	a.err = nil
	a.readings = nil
}

// #endregion run

// #region mutation
// SetInitialState seeds a node's history.
func (a *Automaton) SetInitialState(id graph.NodeID, s state.StateData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.graph.SetInitialState(id, s)
}

// ApplyExternal records a state change that no rule produced.
func (a *Automaton) ApplyExternal(id graph.NodeID, s state.StateData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	tr := state.NewTransition(state.RuleExternal).WithState(s).At(a.clock()).Build()
	return a.graph.ApplyTransition(id, tr)
}

// SetGlobal sets a global context entry visible from the next tick on.
func (a *Automaton) SetGlobal(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.global[key] = value
}

// Restore installs a persisted tick counter and result history.
func (a *Automaton) Restore(tick uint64, results []TickResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tick = tick
	a.results = slices.Clone(results)
	a.readings = a.readings[:0]
	for _, r := range results {
		a.readings = append(a.readings, r.Readings)
	}
}

// #endregion mutation

// #region accessors
// Graph returns the underlying graph. Callers must not mutate it while a
// tick is running.
func (a *Automaton) Graph() *temporal.Graph { return a.graph }

// Rules returns the rule registry.
func (a *Automaton) Rules() *rule.Registry { return a.rules }

// Config returns the run configuration.
func (a *Automaton) Config() Config { return a.cfg }

// Phase returns the lifecycle phase.
func (a *Automaton) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Err returns the error that moved the automaton to PhaseFailed.
func (a *Automaton) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// TickCount returns the number of committed ticks.
func (a *Automaton) TickCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tick
}

// Results returns every recorded tick result, oldest first.
func (a *Automaton) Results() []TickResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.results)
}

// Global returns a copy of the global context.
func (a *Automaton) Global() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.global)
}

// Checkpoint copies the graph state, tick counter, results and globals
// under the tick lock, so the copy never straddles a commit.
func (a *Automaton) Checkpoint() Checkpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := Checkpoint{
		Tick:    a.tick,
		Source:  a.graph.Source(),
		Stats:   a.graph.Stats(),
		Global:  maps.Clone(a.global),
		Results: slices.Clone(a.results),
	}
	for _, id := range a.graph.NodeIDs() {
		n, err := a.graph.Node(id)
		if err != nil {
			continue
		}
		cp.Nodes = append(cp.Nodes, NodeEvolution{ID: id, Evolution: n.Evolution.Clone()})
	}
	return cp
}

// Constitution returns the attached policy object, if any.
func (a *Automaton) Constitution() *graph.Constitution { return a.constitution }

// TopActivated returns the n nodes with the highest activation, ties by id.
func (a *Automaton) TopActivated(n int) []NodeActivation {
	all := a.activations()
	slices.SortStableFunc(all, func(x, y NodeActivation) int {
		switch {
		case x.Activation > y.Activation:
			return -1
		case x.Activation < y.Activation:
			return 1
		}
		return 0
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// HotNodes returns nodes whose activation exceeds threshold, ascending id.
func (a *Automaton) HotNodes(threshold float64) []NodeActivation {
	return slices.DeleteFunc(a.activations(), func(na NodeActivation) bool {
		return na.Activation <= threshold
	})
}

func (a *Automaton) activations() []NodeActivation {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := a.graph.NodeIDs()
	out := make([]NodeActivation, 0, len(ids))
	for _, id := range ids {
		n, err := a.graph.Node(id)
		if err != nil {
			continue
		}
		out = append(out, NodeActivation{ID: id, Name: n.Node.Name, Activation: n.Evolution.Activation()})
	}
	return out
}

// IsFatal reports whether err moved an automaton to PhaseFailed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInconsistentState) || errors.Is(err, rule.ErrRuleNotFound)
}

// #endregion accessors
