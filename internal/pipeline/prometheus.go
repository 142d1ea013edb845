package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements MetricsRecorder against a Prometheus
// registry, for deployments scraping the process.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the pipeline collectors on reg. Passing
// nil uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "histoquant_stage_total",
		Help: "Pipeline stage outcomes by operation and status.",
	}, []string{"operation", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histoquant_stage_duration_seconds",
		Help:    "Pipeline stage wall time by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	for _, collector := range []prometheus.Collector{operations, durations} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return &PrometheusRecorder{operations: operations, durations: durations}, nil
}

// Observe records a stage outcome.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}
