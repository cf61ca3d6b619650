package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "climdex"

// Metrics holds the Prometheus collectors for threshold resolution.
type Metrics struct {
	ThresholdsResolved *prometheus.CounterVec   // labels: kind, result
	ResolutionDuration *prometheus.HistogramVec // labels: kind
	FieldCache         *prometheus.CounterVec   // labels: layer, result
	JobsDispatched     *prometheus.CounterVec   // labels: result
	HTTPRequests       *prometheus.HistogramVec // labels: method, endpoint, status
}

var _ Recorder = (*Metrics)(nil)

func newCollectors() *Metrics {
	return &Metrics{
		ThresholdsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "thresholds_resolved_total",
			Help:      "Threshold resolutions by value kind and outcome.",
		}, []string{"kind", "result"}),
		ResolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "threshold_resolution_duration_seconds",
			Help:      "Time spent resolving one threshold.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind"}),
		FieldCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "percentile_field_lookups_total",
			Help:      "Percentile field lookups by layer and result.",
		}, []string{"layer", "result"}),
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "percentile_jobs_dispatched_total",
			Help:      "Percentile jobs handed to the worker queue by outcome.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint", "status"}),
	}
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := newCollectors()
	reg.MustRegister(m.ThresholdsResolved, m.ResolutionDuration, m.FieldCache, m.JobsDispatched, m.HTTPRequests)
	return m
}

// NewMetricsForTesting creates unregistered collectors so tests can build as
// many as they need.
func NewMetricsForTesting() *Metrics {
	return newCollectors()
}

func (m *Metrics) ThresholdResolved(_ context.Context, kind, result string) {
	m.ThresholdsResolved.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ResolutionLatency(_ context.Context, kind string, d time.Duration) {
	m.ResolutionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(_ context.Context, layer string, hit bool) {
	m.FieldCache.WithLabelValues(layer, hitLabel(hit)).Inc()
}

func (m *Metrics) JobDispatched(_ context.Context, result string) {
	m.JobsDispatched.WithLabelValues(result).Inc()
}

// RecordRequest observes one API request.
func (m *Metrics) RecordRequest(method, endpoint, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Observe(d.Seconds())
}
