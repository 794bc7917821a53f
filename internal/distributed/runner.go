// Package distributed evaluates a tick's nodes concurrently, locally or
// through a resolver pool, and hands the outcomes back to the automaton in
// node order.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/graph-automaton/internal/automaton"
	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/metrics"
	"github.com/danielpatrickdp/graph-automaton/internal/resolver"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

var tracer = otel.Tracer("graph-automaton/distributed")

// ResolverRuleID is recorded for remote outcomes that name no rule. It does
// not depend on which endpoint served the node.
const ResolverRuleID state.RuleID = "distributed::resolver"

// #region config
// Config bounds one distributed tick.
type Config struct {
	// Concurrency caps in-flight node tasks. Zero uses the pool's slot count,
	// or GOMAXPROCS for local evaluation.
	Concurrency int `toml:"concurrency" json:"concurrency"`
	// TaskTimeout bounds one node evaluation including retries. Zero
	// disables it.
	TaskTimeout time.Duration `toml:"task_timeout" json:"task_timeout"`
	// MaxAttempts is the number of resolvers tried per node before the node
	// fails. Each retry moves to the next resolver in the rotation and only
	// retryable failures are retried.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{TaskTimeout: 30 * time.Second, MaxAttempts: 3} // 2 retries
}

func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task_timeout must be >= 0, got %s", c.TaskTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// #endregion config

// #region runner
// Runner implements automaton.Evaluator. With a pool every node is
// resolved remotely; without one the plan's rules run on worker goroutines.
type Runner struct {
	pool *resolver.Pool
	cfg  Config
	log  zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l.With().Str("component", "distributed").Logger() }
}

// New returns a runner. pool may be nil.
func New(pool *resolver.Pool, cfg Config, opts ...Option) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Runner{pool: pool, cfg: cfg, log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) limit() int {
	if r.cfg.Concurrency > 0 {
		return r.cfg.Concurrency
	}
	if r.pool != nil && r.pool.Slots() > 0 {
		return r.pool.Slots()
	}
	return runtime.GOMAXPROCS(0)
}

// Evaluate runs one task per node. Node failures and timeouts become Failed
// outcomes; only cancellation of ctx aborts the tick.
func (r *Runner) Evaluate(ctx context.Context, plan *automaton.Plan) ([]automaton.NodeOutcome, error) {
	ctx, span := tracer.Start(ctx, "distributed.Evaluate")
	defer span.End()

	ids := plan.NodeIDs()
	limit := r.limit()
	span.SetAttributes(attribute.Int64("tick", int64(plan.Tick)), attribute.Int("nodes", len(ids)), attribute.Int("limit", limit))

	results := make(chan automaton.NodeOutcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := r.evaluate(gctx, plan, id)
			if err != nil {
				return err
			}
			results <- out
			return nil
		})
	}
	err := g.Wait()
	close(results)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	outs := make([]automaton.NodeOutcome, 0, len(ids))
	for o := range results {
		outs = append(outs, o)
	}
	slices.SortFunc(outs, func(a, b automaton.NodeOutcome) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	r.log.Debug().Uint64("tick", plan.Tick).Int("nodes", len(outs)).Int("limit", limit).Msg("distributed tick evaluated")
	return outs, nil
}

func (r *Runner) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.TaskTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.TaskTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Runner) evaluate(ctx context.Context, plan *automaton.Plan, id graph.NodeID) (automaton.NodeOutcome, error) {
	rc, err := plan.Context(id)
	if err != nil {
		return failed(id, "", err.Error()), nil
	}
	if r.pool == nil {
		return r.evaluateLocal(ctx, plan, rc)
	}
	return r.evaluateRemote(ctx, rc)
}

// #endregion runner

// #region local
func (r *Runner) evaluateLocal(ctx context.Context, plan *automaton.Plan, rc *rule.Context) (automaton.NodeOutcome, error) {
	tctx, cancel := r.taskContext(ctx)
	defer cancel()

	done := make(chan automaton.NodeOutcome, 1)
	go func() { done <- plan.EvaluateContext(tctx, rc) }()

	select {
	case out := <-done:
		return out, nil
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return automaton.NodeOutcome{}, err
		}
		return failed(rc.NodeID, "", fmt.Sprintf("timeout after %s", r.cfg.TaskTimeout)), nil
	}
}

// #endregion local

// #region remote
func (r *Runner) evaluateRemote(ctx context.Context, rc *rule.Context) (automaton.NodeOutcome, error) {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return automaton.NodeOutcome{}, ctx.Err()
		}
		return failed(rc.NodeID, "", fmt.Sprintf("acquire resolver: %v", err)), nil
	}
	defer lease.Release()

	tctx, cancel := r.taskContext(ctx)
	defer cancel()

	policy := RetryPolicy{MaxAttempts: r.cfg.MaxAttempts, PoolSize: r.pool.Len()}
	var attempts []Attempt
	var lastErr error
	for {
		res := lease.Resolver()
		out, err := resolve(tctx, res, rc)
		if err == nil {
			return automaton.NodeOutcome{NodeID: rc.NodeID, Rule: ResolverRuleID, Outcome: out}, nil
		}
		if ctx.Err() != nil {
			return automaton.NodeOutcome{}, ctx.Err()
		}
		a := Attempt{Resolver: res.Name(), Failure: resolver.Classify(err), Err: err}
		attempts = append(attempts, a)
		lastErr = fmt.Errorf("%s: %w", res.Name(), err)
		r.log.Warn().Err(err).Uint64("node", uint64(rc.NodeID)).Int("attempt", len(attempts)).
			Str("resolver", res.Name()).Str("failure", string(a.Failure)).Msg("resolve failed")
		if tctx.Err() != nil || !policy.ShouldRetry(attempts) {
			break
		}
		metrics.ResolverRetries.WithLabelValues(string(a.Failure)).Inc()
		if err := lease.Rotate(tctx); err != nil {
			if ctx.Err() != nil {
				return automaton.NodeOutcome{}, ctx.Err()
			}
			lastErr = err
			break
		}
	}

	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return failed(rc.NodeID, ResolverRuleID, fmt.Sprintf("timeout after %s: %v", r.cfg.TaskTimeout, lastErr)), nil
	}
	return failed(rc.NodeID, ResolverRuleID, lastErr.Error()), nil
}

type reply struct {
	out rule.Outcome
	err error
}

// resolve returns when res answers or ctx ends, whichever comes first. A
// reply arriving after ctx ended is dropped.
func resolve(ctx context.Context, res resolver.Resolver, rc *rule.Context) (rule.Outcome, error) {
	done := make(chan reply, 1)
	go func() {
		out, err := res.Resolve(ctx, rc)
		done <- reply{out, err}
	}()
	select {
	case rep := <-done:
		return rep.out, rep.err
	case <-ctx.Done():
		return rule.Outcome{}, ctx.Err()
	}
}

// #endregion remote

func failed(id graph.NodeID, ruleID state.RuleID, reason string) automaton.NodeOutcome {
	return automaton.NodeOutcome{NodeID: id, Rule: ruleID, Outcome: rule.Failed(reason)}
}
