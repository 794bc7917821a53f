// Package metrics holds the Prometheus collectors shared by the automaton,
// the resolver pool and the distributed runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts finished ticks by result.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgauto_ticks_total",
		Help: "Total automaton ticks by result",
	}, []string{"result"})

	// TickDuration tracks wall time per tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vgauto_tick_duration_seconds",
		Help:    "Tick duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
	})

	// TransitionsTotal counts committed transitions.
	TransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vgauto_transitions_total",
		Help: "Total committed node transitions",
	})

	// NodeFailuresTotal counts per-node rule failures.
	NodeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgauto_node_failures_total",
		Help: "Total per-node rule failures by rule",
	}, []string{"rule"})

	// ResolverRequests counts resolver calls by resolver and outcome.
	ResolverRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgauto_resolver_requests_total",
		Help: "Total resolver requests by resolver and outcome",
	}, []string{"resolver", "outcome"})

	// ResolverLatency tracks resolver call latency.
	ResolverLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vgauto_resolver_latency_seconds",
		Help:    "Resolver call latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"resolver"})

	// PoolInFlight reports resolver slots currently held.
	PoolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vgauto_resolver_pool_in_flight",
		Help: "Resolver pool slots currently held",
	})

	// ResolverRetries counts retries by the failure that caused them.
	ResolverRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgauto_resolver_retries_total",
		Help: "Resolve attempts retried on another resolver",
	}, []string{"failure"})

	// SnapshotsTotal counts snapshots written by the store.
	SnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vgauto_snapshots_total",
		Help: "Total snapshots written",
	})
)
