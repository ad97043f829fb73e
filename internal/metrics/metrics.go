// Package metrics owns the Prometheus instruments for the service and
// the alert sweeper that watches circuit breaker state changes. All
// instruments share one configurable namespace and carry the service
// name as a constant label.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ordermesh/backend-core/internal/breaker"
)

// Outcome label values shared by every counter that records results.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Metrics bundles the per-subsystem instruments. Component constructors
// accept the sub-struct they need; a nil sub-struct disables metering.
type Metrics struct {
	Auth    *AuthMetrics
	Bus     *BusMetrics
	Cache   *CacheMetrics
	Breaker *BreakerMetrics
	DLQ     *DLQMetrics
	Alerts  *AlertMetrics
}

// New creates and registers all instruments under the given namespace.
// The service name becomes a constant label on every series.
func New(namespace, service string, reg prometheus.Registerer) *Metrics {
	constLabels := prometheus.Labels{"service": service}
	return &Metrics{
		Auth:    newAuthMetrics(namespace, constLabels, reg),
		Bus:     newBusMetrics(namespace, constLabels, reg),
		Cache:   newCacheMetrics(namespace, constLabels, reg),
		Breaker: newBreakerMetrics(namespace, constLabels, reg),
		DLQ:     newDLQMetrics(namespace, constLabels, reg),
		Alerts:  newAlertMetrics(namespace, constLabels, reg),
	}
}

// AuthMetrics counts token operations by outcome and times them.
type AuthMetrics struct {
	requests *prometheus.CounterVec
	seconds  *prometheus.HistogramVec
}

func newAuthMetrics(ns string, labels prometheus.Labels, reg prometheus.Registerer) *AuthMetrics {
	m := &AuthMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "auth",
			Name:        "requests_total",
			Help:        "Authentication operations by operation and outcome.",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
		seconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "auth",
			Name:        "request_seconds",
			Help:        "Latency of authentication operations.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(m.requests, m.seconds)
	return m
}

// Observe records one auth operation.
func (m *AuthMetrics) Observe(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome(err)).Inc()
	m.seconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// BusMetrics counts event publishes, deliveries and handler retries.
type BusMetrics struct {
	published *prometheus.CounterVec
	consumed  *prometheus.CounterVec
	retried   *prometheus.CounterVec
	handle    *prometheus.HistogramVec
}

func newBusMetrics(ns string, labels prometheus.Labels, reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "eventbus",
			Name:        "published_total",
			Help:        "Events published per topic and outcome.",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "eventbus",
			Name:        "consumed_total",
			Help:        "Events acknowledged per topic and terminal outcome.",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "eventbus",
			Name:        "handler_retries_total",
			Help:        "Handler retry attempts per topic, first attempts excluded.",
			ConstLabels: labels,
		}, []string{"topic"}),
		handle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "eventbus",
			Name:        "handle_seconds",
			Help:        "End-to-end handler latency per topic, retries included.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	reg.MustRegister(m.published, m.consumed, m.retried, m.handle)
	return m
}

// ObservePublish records one publish attempt.
func (m *BusMetrics) ObservePublish(topic string, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, outcome(err)).Inc()
}

// ObserveConsume records one terminal disposition of a delivery.
func (m *BusMetrics) ObserveConsume(topic string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic, outcome(err)).Inc()
	m.handle.WithLabelValues(topic).Observe(elapsed.Seconds())
}

// ObserveRetry records one handler retry.
func (m *BusMetrics) ObserveRetry(topic string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(topic).Inc()
}

// CacheMetrics counts tiered cache traffic per logical cache name.
type CacheMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	load      *prometheus.HistogramVec
}

func newCacheMetrics(ns string, labels prometheus.Labels, reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Cache hits per logical cache and serving tier.",
			ConstLabels: labels,
		}, []string{"cache", "tier"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Lookups that missed both tiers.",
			ConstLabels: labels,
		}, []string{"cache"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Explicit evictions per logical cache.",
			ConstLabels: labels,
		}, []string{"cache"}),
		load: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "load_seconds",
			Help:        "Lookup latency per logical cache and tier consulted.",
			ConstLabels: labels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"cache", "tier"}),
	}
	reg.MustRegister(m.hits, m.misses, m.evictions, m.load)
	return m
}

// Hit records a lookup served by the given tier.
func (m *CacheMetrics) Hit(cache, tier string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(cache, tier).Inc()
	m.load.WithLabelValues(cache, tier).Observe(elapsed.Seconds())
}

// Miss records a lookup that found nothing in either tier.
func (m *CacheMetrics) Miss(cache string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(cache).Inc()
	m.load.WithLabelValues(cache, "none").Observe(elapsed.Seconds())
}

// Eviction records an explicit invalidation.
func (m *CacheMetrics) Eviction(cache string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(cache).Inc()
}

// BreakerMetrics exposes breaker state, transitions and call outcomes.
type BreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	executions  *prometheus.CounterVec
}

func newBreakerMetrics(ns string, labels prometheus.Labels, reg prometheus.Registerer) *BreakerMetrics {
	m := &BreakerMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "breaker",
			Name:        "state",
			Help:        "Current breaker state: 0 closed, 1 open, 2 half-open.",
			ConstLabels: labels,
		}, []string{"name"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "breaker",
			Name:        "transitions_total",
			Help:        "Breaker state transitions by name, from and to state.",
			ConstLabels: labels,
		}, []string{"name", "from", "to"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "breaker",
			Name:        "executions_total",
			Help:        "Calls through each breaker per admitting state and success as interpreted by the breaker.",
			ConstLabels: labels,
		}, []string{"name", "state", "success"}),
	}
	reg.MustRegister(m.state, m.transitions, m.executions)
	return m
}

// RecordTransition updates the state gauge and transition counter.
func (m *BreakerMetrics) RecordTransition(t breaker.Transition) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(t.Name).Set(float64(t.To))
	m.transitions.WithLabelValues(t.Name, t.From.String(), t.To.String()).Inc()
}

// RecordExecution counts one call admitted by a breaker.
func (m *BreakerMetrics) RecordExecution(name string, success bool, state breaker.State) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(name, state.String(), strconv.FormatBool(success)).Inc()
}

// DLQMetrics counts dead letter traffic.
type DLQMetrics struct {
	entries     *prometheus.CounterVec
	reprocessed *prometheus.CounterVec
}

func newDLQMetrics(ns string, labels prometheus.Labels, reg prometheus.Registerer) *DLQMetrics {
	m := &DLQMetrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "dlq",
			Name:        "entries_total",
			Help:        "Events routed to the dead letter queue per source topic.",
			ConstLabels: labels,
		}, []string{"topic"}),
		reprocessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "dlq",
			Name:        "reprocessed_total",
			Help:        "Reprocessing attempts of dead letter entries per source topic and outcome.",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
	}
	reg.MustRegister(m.entries, m.reprocessed)
	return m
}

// Entry records one event routed to the dead letter queue.
func (m *DLQMetrics) Entry(topic string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(topic).Inc()
}

// Reprocessed records one reprocessing attempt.
func (m *DLQMetrics) Reprocessed(topic string, err error) {
	if m == nil {
		return
	}
	m.reprocessed.WithLabelValues(topic, outcome(err)).Inc()
}

// AlertMetrics counts alerts emitted by the sweeper.
type AlertMetrics struct {
	emitted *prometheus.CounterVec
}

func newAlertMetrics(ns string, labels prometheus.Labels, reg prometheus.Registerer) *AlertMetrics {
	m := &AlertMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "alerts",
			Name:        "emitted_total",
			Help:        "Breaker alerts emitted per severity.",
			ConstLabels: labels,
		}, []string{"severity"}),
	}
	reg.MustRegister(m.emitted)
	return m
}

// Emitted records one alert.
func (m *AlertMetrics) Emitted(severity Severity) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(string(severity)).Inc()
}
