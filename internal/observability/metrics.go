package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for yas.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Fetch metrics.
	FetchTotal    *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	FetchBytes    prometheus.Counter

	// Cache metrics.
	CacheWriteFailuresTotal prometheus.Counter

	// Evaluation metrics.
	EvalTotal *prometheus.CounterVec

	// Run metrics.
	PhaseDuration *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yas",
			Name:      "fetch_total",
			Help:      "Total fetches, by where the body came from.",
		}, []string{"source", "status"}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "yas",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Fetch duration in seconds, including cache lookups.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		FetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yas",
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Total body bytes fetched.",
		}),

		CacheWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yas",
			Name:      "cache_write_failures_total",
			Help:      "Cache entries that could not be persisted.",
		}),

		EvalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yas",
			Name:      "eval_total",
			Help:      "Total evaluations, by outcome.",
		}, []string{"status"}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "yas",
			Name:      "phase_duration_seconds",
			Help:      "Run phase duration in seconds.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"phase"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yas",
			Name:      "runs_total",
			Help:      "Total runs, by outcome.",
		}, []string{"status"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.FetchTotal,
		m.FetchDuration,
		m.FetchBytes,
		m.CacheWriteFailuresTotal,
		m.EvalTotal,
		m.PhaseDuration,
		m.RunsTotal,
	)

	return m
}

// ObservePhases records the three phase durations of a run.
func (m *MetricsCollector) ObservePhases(setup, fetch, eval time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues("setup").Observe(setup.Seconds())
	m.PhaseDuration.WithLabelValues("fetch").Observe(fetch.Seconds())
	m.PhaseDuration.WithLabelValues("eval").Observe(eval.Seconds())
}

// ObserveRun records the outcome of a run and any cache write failures.
func (m *MetricsCollector) ObserveRun(err error, cacheWriteFailures int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	if cacheWriteFailures > 0 {
		m.CacheWriteFailuresTotal.Add(float64(cacheWriteFailures))
	}
}

// WriteFile writes the registry to path in the Prometheus text format.
// The file is replaced atomically.
func (m *MetricsCollector) WriteFile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
