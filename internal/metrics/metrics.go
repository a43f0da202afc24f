// Package metrics provides Prometheus metrics for muster.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "muster"
)

// Metrics contains all Prometheus metrics for the dispatch core.
type Metrics struct {
	// Discovery metrics
	DiscoveryRefreshes prometheus.Counter
	DiscoveryErrors    prometheus.Counter
	DiscoveryLatency   prometheus.Histogram
	NodesKnown         prometheus.Gauge

	// Routing metrics
	PlansResolved *prometheus.CounterVec

	// Dispatch metrics
	DispatchRounds  prometheus.Counter
	ResultsTotal    *prometheus.CounterVec
	WorkersInflight prometheus.Gauge
	WorkerLatency   *prometheus.HistogramVec

	// Tunnel pool metrics
	TunnelsActive  prometheus.Gauge
	TunnelsCreated prometheus.Counter
	TunnelsReaped  prometheus.Counter
	TunnelFailures *prometheus.CounterVec
	TunnelSetup    prometheus.Histogram

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Discovery metrics
		DiscoveryRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_refreshes_total",
			Help:      "Total fleet directory refreshes",
		}),
		DiscoveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_errors_total",
			Help:      "Total fleet discovery failures",
		}),
		DiscoveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_latency_seconds",
			Help:      "Histogram of discovery call latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		NodesKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_known",
			Help:      "Number of nodes in the last directory snapshot",
		}),

		// Routing metrics
		PlansResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_resolved_total",
			Help:      "Total route plans resolved by mode",
		}, []string{"mode"}),

		// Dispatch metrics
		DispatchRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rounds_total",
			Help:      "Total dispatch rounds executed",
		}),
		ResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total per-node dispatch results by outcome",
		}, []string{"outcome"}),
		WorkersInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_inflight",
			Help:      "Number of currently running dispatch workers",
		}),
		WorkerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_latency_seconds",
			Help:      "Histogram of per-node worker latency by outcome",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),

		// Tunnel pool metrics
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of tunnels currently held by the pool",
		}),
		TunnelsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_created_total",
			Help:      "Total relay tunnels established",
		}),
		TunnelsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_reaped_total",
			Help:      "Total idle tunnels torn down by the reaper",
		}),
		TunnelFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_failures_total",
			Help:      "Total relay tunnel failures by scope",
		}, []string{"scope"}),
		TunnelSetup: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_setup_seconds",
			Help:      "Histogram of relay tunnel setup latency in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		// Cache metrics
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total cache hits by cache name",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total cache misses by cache name",
		}, []string{"cache"}),
	}

	return m
}

// RecordDiscovery records a successful directory refresh.
func (m *Metrics) RecordDiscovery(latencySeconds float64, nodeCount int) {
	m.DiscoveryRefreshes.Inc()
	m.DiscoveryLatency.Observe(latencySeconds)
	m.NodesKnown.Set(float64(nodeCount))
}

// RecordDiscoveryError records a discovery failure.
func (m *Metrics) RecordDiscoveryError() {
	m.DiscoveryErrors.Inc()
}

// RecordPlan records a resolved route plan.
func (m *Metrics) RecordPlan(mode string) {
	m.PlansResolved.WithLabelValues(mode).Inc()
}

// RecordRound records a completed dispatch round.
func (m *Metrics) RecordRound() {
	m.DispatchRounds.Inc()
}

// RecordResult records one per-node result with its worker latency.
func (m *Metrics) RecordResult(outcome string, latencySeconds float64) {
	m.ResultsTotal.WithLabelValues(outcome).Inc()
	m.WorkerLatency.WithLabelValues(outcome).Observe(latencySeconds)
}

// WorkerStarted records a dispatch worker starting.
func (m *Metrics) WorkerStarted() {
	m.WorkersInflight.Inc()
}

// WorkerFinished records a dispatch worker finishing.
func (m *Metrics) WorkerFinished() {
	m.WorkersInflight.Dec()
}

// RecordTunnelCreate records a successful tunnel establishment.
func (m *Metrics) RecordTunnelCreate(latencySeconds float64) {
	m.TunnelsActive.Inc()
	m.TunnelsCreated.Inc()
	m.TunnelSetup.Observe(latencySeconds)
}

// RecordTunnelFailure records a relay tunnel failure.
func (m *Metrics) RecordTunnelFailure(scope string) {
	m.TunnelFailures.WithLabelValues(scope).Inc()
}

// RecordTunnelReap records idle tunnels torn down by the reaper.
func (m *Metrics) RecordTunnelReap(count int) {
	m.TunnelsReaped.Add(float64(count))
	m.TunnelsActive.Sub(float64(count))
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMisses.WithLabelValues(cache).Inc()
}
