package catalog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for catalog refreshes.
type Metrics struct {
	Entries         prometheus.Gauge
	Version         prometheus.Gauge
	RefreshesTotal  *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
}

// NewMetrics registers and returns catalog metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_catalog_entries",
			Help: "Entries in the current catalog snapshot.",
		}),
		Version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_catalog_version",
			Help: "Refresh counter of the current catalog snapshot.",
		}),
		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_catalog_refreshes_total",
			Help: "Catalog refresh attempts by outcome.",
		}, []string{"outcome"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradewatch_catalog_refresh_duration_seconds",
			Help:    "Duration of catalog refreshes including the fetch.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
	}

	reg.MustRegister(m.Entries, m.Version, m.RefreshesTotal, m.RefreshDuration)
	return m
}

// Hooks returns RefreshHooks that update the metrics.
func (m *Metrics) Hooks() RefreshHooks {
	return RefreshHooks{
		OnRefresh: func(entries int, version uint64, duration float64) {
			m.Entries.Set(float64(entries))
			m.Version.Set(float64(version))
			m.RefreshesTotal.WithLabelValues("ok").Inc()
			m.RefreshDuration.Observe(duration)
		},
		OnFailure: func(duration float64) {
			m.RefreshesTotal.WithLabelValues("error").Inc()
			m.RefreshDuration.Observe(duration)
		},
	}
}
