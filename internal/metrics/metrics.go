// Package metrics exposes rewrite telemetry as Prometheus metrics.
//
// Metrics are registered on an injected prometheus.Registerer so tests and
// embedders can use isolated registries. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qrewrite"

// Load triggers.
const (
	TriggerInitial = "initial"
	TriggerSignal  = "signal"
	TriggerRetry   = "retry"
)

// Load results.
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// Metrics holds the rewrite counters.
type Metrics struct {
	// Rewrites counts substitutions. Labels: scope.
	Rewrites *prometheus.CounterVec

	// Failures counts statements failed by the rewrite core. Labels: code.
	Failures *prometheus.CounterVec

	// CacheLoads counts cache (re)loads. Labels: trigger, result.
	CacheLoads *prometheus.CounterVec

	// CachedRules is the number of rules in the most recently loaded cache.
	CachedRules prometheus.Gauge

	// ReloadSignals counts workers signalled by reload-all.
	ReloadSignals prometheus.Counter

	// RegistryRejections counts registrations refused because the registry was full.
	RegistryRejections prometheus.Counter
}

// New registers the rewrite metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rewrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrites_total",
			Help:      "Statements substituted by a rewrite rule.",
		}, []string{"scope"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrite_failures_total",
			Help:      "Statements failed because a matched rule's replacement was unusable.",
		}, []string{"code"}),
		CacheLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_loads_total",
			Help:      "Rule cache loads by trigger and result.",
		}, []string{"trigger", "result"}),
		CachedRules: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_rules",
			Help:      "Rules held by the most recently loaded worker cache.",
		}),
		ReloadSignals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_signals_total",
			Help:      "Workers signalled to reload their rule cache.",
		}),
		RegistryRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_rejections_total",
			Help:      "Worker registrations refused because the registry was full.",
		}),
	}
}

// Rewrite records one substitution.
func (m *Metrics) Rewrite(scope string) {
	if m == nil {
		return
	}
	m.Rewrites.WithLabelValues(scope).Inc()
}

// Failure records one failed statement.
func (m *Metrics) Failure(code string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(code).Inc()
}

// CacheLoad records a cache load and, when it succeeded, the cache size.
func (m *Metrics) CacheLoad(trigger, result string, size int) {
	if m == nil {
		return
	}
	m.CacheLoads.WithLabelValues(trigger, result).Inc()
	if result == ResultOK {
		m.CachedRules.Set(float64(size))
	}
}

// ReloadSignalled records n workers signalled.
func (m *Metrics) ReloadSignalled(n int) {
	if m == nil {
		return
	}
	m.ReloadSignals.Add(float64(n))
}

// RegistryRejected records a refused registration.
func (m *Metrics) RegistryRejected() {
	if m == nil {
		return
	}
	m.RegistryRejections.Inc()
}
