package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	activeJobs       prometheus.Gauge
	webhookFailures  prometheus.Counter
	uploadsProcessed prometheus.Counter
}

// newMetrics registers worker collectors on registry, or on a fresh registry
// when nil.
func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skinsight_worker_jobs_total",
			Help: "Total diagnosis jobs by final status and outcome.",
		}, []string{"status", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skinsight_worker_job_duration_seconds",
			Help:    "Total processing duration for each diagnosis job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skinsight_worker_active_jobs",
			Help: "Current number of diagnosis jobs running in the worker.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skinsight_worker_webhook_failures_total",
			Help: "Total webhook deliveries that failed after all attempts.",
		}),
		uploadsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skinsight_worker_upload_bytes_total",
			Help: "Total bytes of uploaded images read by the worker.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.webhookFailures,
		m.uploadsProcessed,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
