// Package metrics exposes Prometheus collectors for the coordination layer.
//
// A nil *Collector is valid and records nothing, so components accept one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cachecoord"

// Cache outcomes recorded by the cache-aside orchestrator.
const (
	OutcomeHit            = "hit"
	OutcomeDoubleCheckHit = "double_check_hit"
	OutcomePopulated      = "populated"
	OutcomeWaitedHit      = "waited_hit"
	OutcomeFallback       = "fallback"
	OutcomeFailed         = "failed"
	OutcomeCancelled      = "cancelled"
)

// Collector groups every metric emitted by this module.
type Collector struct {
	cacheRequests   *prometheus.CounterVec
	factoryDuration *prometheus.HistogramVec
	lockAcquires    *prometheus.CounterVec
	lockReleases    *prometheus.CounterVec
	rateDecisions   *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// NewCollector creates the collectors and registers them with reg.
// Registering twice on the same registry panics, like promauto.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "GetOrPopulate calls by outcome",
		}, []string{"outcome"}),
		factoryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "factory_duration_seconds",
			Help:      "Duration of value factory invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "result"}),
		lockAcquires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Lock acquisition attempts by result",
		}, []string{"result"}),
		lockReleases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_release_total",
			Help:      "Lock releases by result",
		}, []string{"result"}),
		rateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions by result",
		}, []string{"result"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Shared store failures absorbed by a degradation policy",
		}, []string{"component", "op"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "1 for the current state of the store circuit breaker, 0 otherwise",
		}, []string{"state"}),
	}
}

// CacheOutcome counts one GetOrPopulate call.
func (c *Collector) CacheOutcome(outcome string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(outcome).Inc()
}

// FactoryDuration observes one factory call. mode is "locked" or "fallback".
func (c *Collector) FactoryDuration(mode string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.factoryDuration.WithLabelValues(mode, result).Observe(d.Seconds())
}

// LockAcquire counts an acquisition attempt: "acquired", "held", "invalid" or "error".
func (c *Collector) LockAcquire(result string) {
	if c == nil {
		return
	}
	c.lockAcquires.WithLabelValues(result).Inc()
}

// LockRelease counts a release: "released", "mismatch" or "error".
func (c *Collector) LockRelease(result string) {
	if c == nil {
		return
	}
	c.lockReleases.WithLabelValues(result).Inc()
}

// RateDecision counts a limiter decision: "allowed", "denied" or "fail_open".
func (c *Collector) RateDecision(result string) {
	if c == nil {
		return
	}
	c.rateDecisions.WithLabelValues(result).Inc()
}

// StoreError counts a store failure that component degraded around.
func (c *Collector) StoreError(component, op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(component, op).Inc()
}

// BreakerState records the store circuit breaker's current state.
func (c *Collector) BreakerState(state string) {
	if c == nil {
		return
	}
	c.breakerState.Reset()
	c.breakerState.WithLabelValues(state).Set(1)
}
