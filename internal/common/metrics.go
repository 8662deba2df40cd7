package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// Metrics are the pipeline counters. They live on a private registry so the
// CLIs can dump them to a node-exporter textfile after a run.
type Metrics struct {
	Registry *prometheus.Registry

	DaysNormalized    *prometheus.CounterVec
	DegenerateDays    *prometheus.CounterVec
	SourceErrors      *prometheus.CounterVec
	BlendColumns      *prometheus.CounterVec
	RetrievalDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		DaysNormalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_days_normalized_total",
			Help: "Daily vectors produced per source.",
		}, []string{"source"}),
		DegenerateDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_degenerate_days_total",
			Help: "Days with samples but no valid reading, zeroed per source.",
		}, []string{"source"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_source_errors_total",
			Help: "Failed source retrievals.",
		}, []string{"source"}),
		BlendColumns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solar_blend_columns_total",
			Help: "Blended columns taken from each source.",
		}, []string{"source"}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solar_retrieval_duration_seconds",
			Help:    "Wall time of one retrieval.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	m.Registry.MustRegister(m.DaysNormalized, m.DegenerateDays, m.SourceErrors, m.BlendColumns, m.RetrievalDuration)
	return m
}

// ObserveDays records n normalized days for source.
func (m *Metrics) ObserveDays(source solar.SourceTag, n int) {
	m.DaysNormalized.WithLabelValues(string(source)).Add(float64(n))
}

func (m *Metrics) ObserveDegenerate(source solar.SourceTag) {
	m.DegenerateDays.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) ObserveSourceError(source solar.SourceTag) {
	m.SourceErrors.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) ObserveBlend(source solar.SourceTag, n int) {
	m.BlendColumns.WithLabelValues(string(source)).Add(float64(n))
}

func (m *Metrics) ObserveRetrieval(d time.Duration) {
	m.RetrievalDuration.Observe(d.Seconds())
}

// WriteTextfile writes the registry in text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
