// Package resolver offloads rule evaluation to external services: OpenAI
// compatible language-model endpoints and remote rule servers over gRPC.
package resolver

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/graph-automaton/internal/metrics"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
)

var (
	// ErrNoResolvers is returned by an empty pool.
	ErrNoResolvers = errors.New("no resolvers configured")
	// ErrBadResponse reports a resolver reply that cannot be decoded.
	ErrBadResponse = errors.New("bad resolver response")
)

var tracer = otel.Tracer("graph-automaton/resolver")

// Resolver computes a node's outcome remotely. A returned error is a
// transport or decoding failure; a rule-level failure is a Failed outcome.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, rc *rule.Context) (rule.Outcome, error)
}

// Func adapts a function to Resolver.
type Func struct {
	ResolverName string
	Fn           func(ctx context.Context, rc *rule.Context) (rule.Outcome, error)
}

func (f Func) Name() string { return f.ResolverName }

func (f Func) Resolve(ctx context.Context, rc *rule.Context) (rule.Outcome, error) {
	return f.Fn(ctx, rc)
}

// Local serves a rule through the Resolver interface.
type Local struct {
	Rule rule.Rule
}

func (l Local) Name() string { return "local:" + string(l.Rule.ID()) }

func (l Local) Resolve(ctx context.Context, rc *rule.Context) (rule.Outcome, error) {
	if cond, ok := l.Rule.(rule.Conditional); ok && !cond.ShouldApply(rc) {
		return rule.NoChange(), nil
	}
	return rule.SafeApply(ctx, l.Rule, rc).By(l.Rule.ID()), nil
}

// Instrument wraps a resolve call with a span and request metrics.
func Instrument(ctx context.Context, name string, rc *rule.Context, fn func(context.Context) (rule.Outcome, error)) (rule.Outcome, error) {
	ctx, span := tracer.Start(ctx, "resolver.Resolve", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("resolver", name),
		attribute.Int64("node", int64(rc.NodeID)),
		attribute.Int64("tick", int64(rc.Tick)),
	)

	start := time.Now()
	out, err := fn(ctx)
	metrics.ResolverLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("failure", string(Classify(err))))
	case out.Kind == rule.KindFailed:
		result = "failed"
	}
	metrics.ResolverRequests.WithLabelValues(name, result).Inc()
	return out, err
}
