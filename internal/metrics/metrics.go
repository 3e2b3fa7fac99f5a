// Package metrics exposes the engine's counters to Prometheus. Every method is
// safe on a nil *Metrics so components can run without a registry (tests).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dashfeed"

type Metrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	inflightJoin *prometheus.CounterVec

	events    *prometheus.CounterVec
	refreshes prometheus.Counter
	commands  *prometheus.CounterVec
	connected prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache lookups answered from a fresh entry.",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache lookups that needed a network fetch.",
		}, []string{"cache"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries removed by capacity or TTL sweep.",
		}, []string{"cache", "reason"}),
		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Current number of cache entries.",
		}, []string{"cache"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "total",
			Help: "Network fetches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "duration_seconds",
			Help:    "Network fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		inflightJoin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "inflight_joins_total",
			Help: "Calls that awaited an already running fetch instead of issuing one.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "total",
			Help: "Push events by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "coalesced_refreshes_total",
			Help: "Debounced cache refreshes fired by the reconciler.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "total",
			Help: "Outbound commands by outcome.",
		}, []string{"outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "connected",
			Help: "1 while the push event stream is connected.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheSize,
		m.fetches, m.fetchLatency, m.inflightJoin,
		m.events, m.refreshes, m.commands, m.connected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) CacheHit(cache string) {
	if m != nil {
		m.cacheHits.WithLabelValues(cache).Inc()
	}
}

func (m *Metrics) CacheMiss(cache string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(cache).Inc()
	}
}

func (m *Metrics) CacheEviction(cache, reason string) {
	if m != nil {
		m.cacheEvictions.WithLabelValues(cache, reason).Inc()
	}
}

func (m *Metrics) CacheSize(cache string, n int) {
	if m != nil {
		m.cacheSize.WithLabelValues(cache).Set(float64(n))
	}
}

// Fetch records one network fetch; err == nil counts as success.
func (m *Metrics) Fetch(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(kind, outcome).Inc()
	m.fetchLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

func (m *Metrics) InflightJoin(kind string) {
	if m != nil {
		m.inflightJoin.WithLabelValues(kind).Inc()
	}
}

// Event counts one push event: processed, duplicate, ignored or stale.
func (m *Metrics) Event(outcome string) {
	if m != nil {
		m.events.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Refresh() {
	if m != nil {
		m.refreshes.Inc()
	}
}

func (m *Metrics) Command(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.commands.WithLabelValues("ok").Inc()
		return
	}
	m.commands.WithLabelValues("error").Inc()
}

func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
