// Package metrics holds the Prometheus instruments of the reputation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics is the set of engine instruments, registered on its own registry
// so tests and multiple engines never collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	RatingsSubmitted *prometheus.CounterVec
	RatingsRejected  *prometheus.CounterVec
	CrossReferences  *prometheus.CounterVec
	AnomaliesFound   *prometheus.CounterVec
	Recomputes       *prometheus.CounterVec
	RecomputeLatency prometheus.Histogram
	DecayPoints      prometheus.Counter
	TrustAdjustments *prometheus.CounterVec
}

// New creates and registers all instruments. withRuntime adds the Go and
// process collectors, which only make sense for a long-running server.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RatingsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcerep_ratings_submitted_total",
			Help: "Accepted rating submissions.",
		}, []string{"kind"}),
		RatingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcerep_ratings_rejected_total",
			Help: "Rejected rating submissions.",
		}, []string{"reason"}),
		CrossReferences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcerep_cross_references_total",
			Help: "Recorded verification outcomes.",
		}, []string{"accurate"}),
		AnomaliesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcerep_anomalies_detected_total",
			Help: "Anomalies created by the detector.",
		}, []string{"type"}),
		Recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcerep_recomputes_total",
			Help: "Score recomputations by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		RecomputeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sourcerep_recompute_duration_seconds",
			Help:    "Time spent in a single score recomputation, lock wait included.",
			Buckets: prometheus.DefBuckets,
		}),
		DecayPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcerep_decay_points_total",
			Help: "Reputation points removed by decay.",
		}),
		TrustAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcerep_trust_adjustments_total",
			Help: "Rater trust adjustments by direction.",
		}, []string{"direction"}),
	}

	m.Registry.MustRegister(
		m.RatingsSubmitted,
		m.RatingsRejected,
		m.CrossReferences,
		m.AnomaliesFound,
		m.Recomputes,
		m.RecomputeLatency,
		m.DecayPoints,
		m.TrustAdjustments,
	)
	if withRuntime {
		m.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}
