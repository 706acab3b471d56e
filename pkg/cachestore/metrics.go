package cachestore

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the cache's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	staleHits *prometheus.CounterVec
	evictions prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proven_cache_hits_total",
			Help: "Fresh cache hits by type.",
		}, []string{"type"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proven_cache_misses_total",
			Help: "Cache misses (absent, expired or corrupt) by type.",
		}, []string{"type"}),
		staleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proven_cache_stale_hits_total",
			Help: "Stale entries served as fallback by type.",
		}, []string{"type"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proven_cache_evictions_total",
			Help: "Entries evicted by size pressure.",
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.staleHits, m.evictions)
	return m
}

func (m *Metrics) hit(typ string) {
	if m != nil {
		m.hits.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) miss(typ string) {
	if m != nil {
		m.misses.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) stale(typ string) {
	if m != nil {
		m.staleHits.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil {
		m.evictions.Add(float64(n))
	}
}
