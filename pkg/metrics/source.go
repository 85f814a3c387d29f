package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	s3source "github.com/marmos91/dittocache/pkg/source/s3"
)

// fillerMetrics is the Prometheus implementation of the warm-up source's
// s3.Metrics interface.
type fillerMetrics struct {
	fills        *prometheus.CounterVec
	fillBytes    prometheus.Counter
	fillDuration prometheus.Histogram
}

// NewFillerMetrics creates Prometheus-backed metrics for the warm-up
// source.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// disables collection in the filler.
func NewFillerMetrics() s3source.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &fillerMetrics{
		fills: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittocache_source_fills_total",
				Help: "Total number of warm-up transfers by status",
			},
			[]string{"status"},
		),
		fillBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittocache_source_fill_bytes_total",
				Help: "Total bytes transferred from the warm-up source into the cache",
			},
		),
		fillDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "dittocache_source_fill_duration_seconds",
				Help: "Duration of warm-up transfers in seconds",
				Buckets: []float64{
					0.01,
					0.05,
					0.1,
					0.5,
					1,
					5,
					10,
					30,
					60,
				},
			},
		),
	}
}

// ObserveFill implements s3.Metrics.
func (m *fillerMetrics) ObserveFill(bytes int64, duration time.Duration) {
	m.fills.WithLabelValues("success").Inc()
	m.fillBytes.Add(float64(bytes))
	m.fillDuration.Observe(duration.Seconds())
}

// ObserveFillError implements s3.Metrics.
func (m *fillerMetrics) ObserveFillError() {
	m.fills.WithLabelValues("error").Inc()
}
