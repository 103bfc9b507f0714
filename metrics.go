package querygate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	AuthorizationsTotal *prometheus.CounterVec
	CacheLookupsTotal   *prometheus.CounterVec
	CacheStoresTotal    *prometheus.CounterVec
	InvalidatedTotal    prometheus.Counter
	SweptTotal          prometheus.Counter
	HitUpdatesDropped   prometheus.Counter
	HydrationDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthorizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_authorizations_total",
				Help: "Authorization decisions by outcome",
			},
			[]string{"outcome"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_cache_lookups_total",
				Help: "Query cache lookups by result",
			},
			[]string{"result"},
		),
		CacheStoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_cache_stores_total",
				Help: "Query cache store attempts by result",
			},
			[]string{"result"},
		),
		InvalidatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querygate_cache_invalidated_entries_total",
			Help: "Cache entries removed by table invalidation",
		}),
		SweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querygate_cache_swept_entries_total",
			Help: "Expired cache entries removed by sweeps",
		}),
		HitUpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querygate_cache_hit_updates_dropped_total",
			Help: "Hit count updates dropped because the queue was full",
		}),
		HydrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "querygate_hydration_duration_seconds",
			Help:    "Time spent hydrating permission grants",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if registry != nil {
		registry.MustRegister(
			m.AuthorizationsTotal,
			m.CacheLookupsTotal,
			m.CacheStoresTotal,
			m.InvalidatedTotal,
			m.SweptTotal,
			m.HitUpdatesDropped,
			m.HydrationDuration,
		)
	}
	return m
}

func (m *Metrics) authorization(outcome string) {
	if m == nil {
		return
	}
	m.AuthorizationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) cacheStore(result string) {
	if m == nil {
		return
	}
	m.CacheStoresTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) invalidatedEntries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.InvalidatedTotal.Add(float64(n))
}

func (m *Metrics) sweptEntries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptTotal.Add(float64(n))
}

func (m *Metrics) hitDropped() {
	if m == nil {
		return
	}
	m.HitUpdatesDropped.Inc()
}

func (m *Metrics) observeHydration(seconds float64) {
	if m == nil {
		return
	}
	m.HydrationDuration.Observe(seconds)
}
