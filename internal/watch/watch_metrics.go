package watch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the watch engine.
type Metrics struct {
	ObservedTotal   *prometheus.CounterVec
	DispatchesTotal *prometheus.CounterVec
	RepliesTotal    *prometheus.CounterVec
	ExpiredTotal    *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunStrategies   prometheus.Histogram
	AlertsTotal     *prometheus.CounterVec
	VisionCalls     *prometheus.CounterVec
	VisionDuration  *prometheus.HistogramVec
}

// NewMetrics registers and returns watch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ObservedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_events_observed_total",
			Help: "Observed events by admission result.",
		}, []string{"result"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_lookup_dispatches_total",
			Help: "Lookup commands sent by strategy and status.",
		}, []string{"strategy", "status"}),
		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_lookup_replies_total",
			Help: "Lookup replies by strategy and correlation result.",
		}, []string{"strategy", "result"}),
		ExpiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_lookup_expired_total",
			Help: "Pending lookups that timed out without a reply.",
		}, []string{"strategy"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_runs_total",
			Help: "Completed subject runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradewatch_run_duration_seconds",
			Help:    "Time from admission to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms .. ~512s
		}, []string{"outcome"}),
		RunStrategies: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradewatch_run_strategies",
			Help:    "Lookup strategies tried per run.",
			Buckets: prometheus.LinearBuckets(0, 1, 3), // 0 .. 2
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_alerts_total",
			Help: "Alerts emitted by kind and delivery status.",
		}, []string{"kind", "status"}),
		VisionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_vision_calls_total",
			Help: "Vision provider calls by provider, call and status.",
		}, []string{"provider", "call", "status"}),
		VisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradewatch_vision_call_duration_seconds",
			Help:    "Duration of vision provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms .. ~32s
		}, []string{"provider", "call"}),
	}

	reg.MustRegister(
		m.ObservedTotal,
		m.DispatchesTotal,
		m.RepliesTotal,
		m.ExpiredTotal,
		m.RunsTotal,
		m.RunDuration,
		m.RunStrategies,
		m.AlertsTotal,
		m.VisionCalls,
		m.VisionDuration,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnObserve: func(result string) {
			m.ObservedTotal.WithLabelValues(result).Inc()
		},
		OnDispatch: func(strategy Strategy, err error) {
			m.DispatchesTotal.WithLabelValues(string(strategy), status(err)).Inc()
		},
		OnReply: func(strategy Strategy, result string) {
			m.RepliesTotal.WithLabelValues(string(strategy), result).Inc()
		},
		OnExpire: func(strategy Strategy) {
			m.ExpiredTotal.WithLabelValues(string(strategy)).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.RunsTotal.WithLabelValues(string(e.Outcome)).Inc()
			m.RunDuration.WithLabelValues(string(e.Outcome)).Observe(e.Duration)
			m.RunStrategies.Observe(float64(e.Strategies))
		},
		OnDelivery: func(kind AlertKind, err error) {
			m.AlertsTotal.WithLabelValues(string(kind), status(err)).Inc()
		},
	}
}

// VisionHook returns a callback for vision.NewAnalyzer.
func (m *Metrics) VisionHook() func(provider, call string, duration float64, err error) {
	return func(provider, call string, duration float64, err error) {
		m.VisionCalls.WithLabelValues(provider, call, status(err)).Inc()
		m.VisionDuration.WithLabelValues(provider, call).Observe(duration)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
