package diagnosis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-stage latency and final outcomes.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skinsight_pipeline_stage_duration_seconds",
			Help:    "Diagnosis pipeline stage latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage", "status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skinsight_diagnosis_outcomes_total",
			Help: "Total diagnoses by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.stageDuration, m.outcomes)
	return m
}

func (m *Metrics) observeStage(stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

func (m *Metrics) observeOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}
