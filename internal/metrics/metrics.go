package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the listing tracker's Prometheus collectors
type Registry struct {
	reg *prometheus.Registry

	Upserts          *prometheus.CounterVec
	UpsertLatencySec prometheus.Histogram
	Inactivations    prometheus.Counter
	StageTransitions *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	AdvisorCalls     *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	BatchSize        prometheus.Histogram
}

// NewRegistry creates and registers every collector
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	upserts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_upserts_total",
		Help: "Observation upserts by outcome.",
	}, []string{"outcome"})
	upsertLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "listing_upsert_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	inactivations := prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_inactivations_total"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_stage_transitions_total",
		Help: "Accepted stage transitions by stage and kind (advance or redo).",
	}, []string{"stage", "kind"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_stage_rejections_total",
	}, []string{"code"})
	advisorCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_advisor_calls_total",
	}, []string{"result"})
	publishFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_publish_failures_total",
	}, []string{"sink"})
	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "listing_ingest_batch_size",
		Buckets: prometheus.ExponentialBuckets(1, 4, 6),
	})

	r.MustRegister(upserts, upsertLatency, inactivations, transitions, rejections, advisorCalls, publishFailures, batchSize)
	return &Registry{
		reg:              r,
		Upserts:          upserts,
		UpsertLatencySec: upsertLatency,
		Inactivations:    inactivations,
		StageTransitions: transitions,
		Rejections:       rejections,
		AdvisorCalls:     advisorCalls,
		PublishFailures:  publishFailures,
		BatchSize:        batchSize,
	}
}

// Handler serves the registry in the Prometheus text format. Compression is
// left to the HTTP middleware.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{DisableCompression: true})
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
