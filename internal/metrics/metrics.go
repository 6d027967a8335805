// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsFetchedTotal     *prometheus.CounterVec
	recordsValidTotal       *prometheus.CounterVec
	recordsQuarantinedTotal *prometheus.CounterVec
	recordsWrittenTotal     *prometheus.CounterVec
	periodsTotal            *prometheus.CounterVec
	runDurationSeconds      prometheus.Histogram
	rateLimitDelaySeconds   prometheus.Histogram
	activeWorkers           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stopsearch_records_fetched_total",
				Help: "Total raw records fetched from the upstream API, labeled by force.",
			},
			[]string{"force"},
		)

		recordsValidTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stopsearch_records_valid_total",
				Help: "Total records that passed validation, labeled by force.",
			},
			[]string{"force"},
		)

		recordsQuarantinedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stopsearch_records_quarantined_total",
				Help: "Total records quarantined by validation, labeled by force.",
			},
			[]string{"force"},
		)

		recordsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stopsearch_records_written_total",
				Help: "Total records durably written to the primary store, labeled by force.",
			},
			[]string{"force"},
		)

		periodsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stopsearch_periods_total",
				Help: "Period outcomes per run, labeled by force and status.",
			},
			[]string{"force", "status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stopsearch_run_duration_seconds",
				Help:    "Duration of full ingestion runs.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stopsearch_rate_limit_delay_seconds",
				Help:    "Histogram of throttle wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stopsearch_active_period_workers",
				Help: "Number of period pipelines currently in flight.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecords records the per-force row counts of one period pipeline.
func ObserveRecords(force string, fetched, valid, quarantined, written int) {
	recordsFetchedTotal.WithLabelValues(force).Add(float64(fetched))
	recordsValidTotal.WithLabelValues(force).Add(float64(valid))
	recordsQuarantinedTotal.WithLabelValues(force).Add(float64(quarantined))
	recordsWrittenTotal.WithLabelValues(force).Add(float64(written))
}

// ObservePeriod increments the outcome counter for one period.
func ObservePeriod(force, status string) {
	periodsTotal.WithLabelValues(force, status).Inc()
}

// ObserveRunDuration records the duration of a full ingestion run.
func ObserveRunDuration(d time.Duration) {
	runDurationSeconds.Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a throttle wait.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the in-flight pipeline gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the in-flight pipeline gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
