// Package script runs user-defined JavaScript rules.
//
// A script sees one binding, _, describing the node:
//
//	_.node       {id, name, kind, metadata}
//	_.state      {payload, activation, annotations}
//	_.neighbors  [{id, relationship, activation, payload, annotations}]
//	_.tick       current tick number
//	_.global     global context map
//
// and returns null for no change, {fail: "reason"} for a failure, or an
// object whose activation, payload and annotations fields replace those of
// the current state.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// DefaultTimeout bounds one script evaluation.
const DefaultTimeout = 250 * time.Millisecond

// ErrInterrupted is reported when a script exceeds its time budget or the
// tick is cancelled.
var ErrInterrupted = errors.New("script interrupted")

// #region rule
// Rule evaluates a compiled program per node. A fresh runtime is created
// for every evaluation, so the rule is safe for concurrent use.
type Rule struct {
	id       state.RuleID
	program  *goja.Program
	timeout  time.Duration
	priority int
	log      zerolog.Logger
}

// Option configures a Rule.
type Option func(*Rule)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(r *Rule) { r.timeout = d } }

// WithPriority sets the registry priority.
func WithPriority(p int) Option { return func(r *Rule) { r.priority = p } }

// WithLogger routes the script's log() calls.
func WithLogger(l zerolog.Logger) Option { return func(r *Rule) { r.log = l } }

// Compile builds a rule from JavaScript source.
func Compile(id state.RuleID, src string, opts ...Option) (*Rule, error) {
	p, err := goja.Compile(string(id), wrapSrc(src), true)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", id, err)
	}
	r := &Rule{id: id, program: p, timeout: DefaultTimeout, log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Load compiles the script stored at path.
func Load(id state.RuleID, path string, opts ...Option) (*Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Compile(id, string(src), opts...)
}

func wrapSrc(src string) string {
	return "(function() {\n" + src + "\n}())"
}

func (r *Rule) ID() state.RuleID { return r.id }
func (r *Rule) Priority() int    { return r.priority }

// #endregion rule

// #region apply
func (r *Rule) Apply(ctx context.Context, rc *rule.Context) rule.Outcome {
	v, err := r.run(ctx, rc)
	if err != nil {
		return rule.Failed(err.Error())
	}
	return r.outcome(rc, v)
}

func (r *Rule) run(ctx context.Context, rc *rule.Context) (any, error) {
	o := goja.New()
	if err := o.Set("_", bindings(rc)); err != nil {
		return nil, err
	}
	if err := o.Set("log", func(x any) {
		r.log.Debug().Str("rule", string(r.id)).Uint64("node", uint64(rc.NodeID)).Interface("value", x).Msg("script log")
	}); err != nil {
		return nil, err
	}

	ictx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	go func() {
		<-ictx.Done()
		// After RunProgram returns the runtime is discarded, so a late
		// interrupt is harmless.
		o.Interrupt(ErrInterrupted.Error())
	}()

	v, err := o.RunProgram(r.program)
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, ErrInterrupted
		}
		return nil, err
	}
	return v.Export(), nil
}

func (r *Rule) outcome(rc *rule.Context, x any) rule.Outcome {
	if x == nil {
		return rule.NoChange()
	}
	m, ok := x.(map[string]any)
	if !ok {
		return rule.Failedf("script returned %T, want object or null", x)
	}
	if reason, ok := m["fail"]; ok {
		return rule.Failed(fmt.Sprint(reason))
	}

	next := rc.Current().State
	if a, ok := m["activation"]; ok {
		f, ok := toFloat(a)
		if !ok {
			return rule.Failedf("activation is %T, want number", a)
		}
		next = next.SetActivation(f)
	}
	if p, ok := m["payload"]; ok {
		next.Payload = p
	}
	if ann, ok := m["annotations"].(map[string]any); ok {
		for k, v := range ann {
			next = next.Annotate(k, fmt.Sprint(v))
		}
	}
	return rule.Transition(next)
}

// #endregion apply

// #region bindings
func stateBinding(s state.StateData) map[string]any {
	ann := make(map[string]any, len(s.Annotations))
	for k, v := range s.Annotations {
		ann[k] = v
	}
	return map[string]any{
		"payload":     s.Payload,
		"activation":  s.Activation,
		"annotations": ann,
	}
}

func bindings(rc *rule.Context) map[string]any {
	meta := make(map[string]any, len(rc.Node.Metadata))
	for k, v := range rc.Node.Metadata {
		meta[k] = v
	}
	neighbors := make([]any, 0, len(rc.Neighbors))
	for _, n := range rc.Neighbors {
		nb := stateBinding(n.State.CurrentState())
		nb["id"] = int64(n.ID)
		nb["relationship"] = n.Relationship
		neighbors = append(neighbors, nb)
	}
	global := make(map[string]any, len(rc.Global))
	for k, v := range rc.Global {
		global[k] = v
	}
	return map[string]any{
		"node": map[string]any{
			"id":       int64(rc.NodeID),
			"name":     rc.Node.Name,
			"kind":     string(rc.Node.Kind),
			"metadata": meta,
		},
		"state":     stateBinding(rc.Current().State),
		"neighbors": neighbors,
		"tick":      int64(rc.Tick),
		"global":    global,
	}
}

func toFloat(x any) (float64, bool) {
	switch v := x.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// #endregion bindings
