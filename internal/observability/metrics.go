package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// impact-evaluation engine.
type Metrics struct {
	// Decode metrics.
	PolylineDecodes *prometheus.CounterVec // labels: format={google,here}, outcome={success,error}

	// Per-request evaluation metrics.
	RouteResults       *prometheus.CounterVec // labels: outcome={ok,decode_error,timeout,error}
	EvaluationDuration prometheus.Histogram
	CandidateEvents    prometheus.Histogram
	AffectingEvents    prometheus.Counter

	// Store metrics.
	StoreQueryDuration *prometheus.HistogramVec // labels: query={active_in_box,changed_since}
	PollBatchSize      prometheus.Histogram

	// Targeting side effects.
	StateCreations    prometheus.Counter
	DispatchPublishes *prometheus.CounterVec // labels: outcome={success,error}

	// HTTP surface.
	HTTPDuration *prometheus.HistogramVec // labels: route, status
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		PolylineDecodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hazard_engine",
			Name:      "polyline_decodes_total",
			Help:      "Polyline decode attempts by format and outcome.",
		}, []string{"format", "outcome"}),
		RouteResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hazard_engine",
			Name:      "route_results_total",
			Help:      "Routes evaluated in batch requests by outcome.",
		}, []string{"outcome"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hazard_engine",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of a complete decode-intersect-validate request.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		CandidateEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hazard_engine",
			Name:      "candidate_events",
			Help:      "Candidate events returned by the coarse bounding-box query.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		AffectingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazard_engine",
			Name:      "affecting_events_total",
			Help:      "Events confirmed affecting after geometric and temporal checks.",
		}),
		StoreQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hazard_engine",
			Name:      "store_query_duration_seconds",
			Help:      "Event store query duration by query kind.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"query"}),
		PollBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hazard_engine",
			Name:      "poll_batch_size",
			Help:      "Changed events returned per incremental poll.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		StateCreations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazard_engine",
			Name:      "user_state_creations_total",
			Help:      "UserEventState rows created on first delivery.",
		}),
		DispatchPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hazard_engine",
			Name:      "dispatch_publishes_total",
			Help:      "Notification hand-offs to the delivery topic by outcome.",
		}, []string{"outcome"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hazard_engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route and status.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route", "status"}),
	}

	prometheus.MustRegister(
		m.PolylineDecodes,
		m.RouteResults,
		m.EvaluationDuration,
		m.CandidateEvents,
		m.AffectingEvents,
		m.StoreQueryDuration,
		m.PollBatchSize,
		m.StateCreations,
		m.DispatchPublishes,
		m.HTTPDuration,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		PolylineDecodes:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "hazard_engine", Name: "polyline_decodes_total"}, []string{"format", "outcome"}),
		RouteResults:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "hazard_engine", Name: "route_results_total"}, []string{"outcome"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "hazard_engine", Name: "evaluation_duration_seconds"}),
		CandidateEvents:    prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "hazard_engine", Name: "candidate_events"}),
		AffectingEvents:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "hazard_engine", Name: "affecting_events_total"}),
		StoreQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "hazard_engine", Name: "store_query_duration_seconds"}, []string{"query"}),
		PollBatchSize:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "hazard_engine", Name: "poll_batch_size"}),
		StateCreations:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "hazard_engine", Name: "user_state_creations_total"}),
		DispatchPublishes:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "hazard_engine", Name: "dispatch_publishes_total"}, []string{"outcome"}),
		HTTPDuration:       prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "hazard_engine", Name: "http_request_duration_seconds"}, []string{"route", "status"}),
	}
}
