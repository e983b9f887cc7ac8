// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gowdl_scheduler_admission_wait_seconds",
			Help:    "Time a task waited for resource admission.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	resourcesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gowdl_scheduler_resources_in_use",
			Help: "Resources currently granted, by resource (cpu, memory_bytes, gpu, disk_bytes).",
		},
		[]string{"resource"},
	)

	waiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gowdl_scheduler_waiters",
			Help: "Number of tasks waiting for admission.",
		},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowdl_task_attempts_total",
			Help: "Finished task attempts by backend and final state.",
		},
		[]string{"backend", "state"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gowdl_task_attempt_duration_seconds",
			Help:    "Wall time from submission to completion of a task attempt.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 12),
		},
		[]string{"backend"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowdl_call_cache_lookups_total",
			Help: "Call cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	localizedFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowdl_localized_files_total",
			Help: "Remote inputs staged, by scheme and result.",
		},
		[]string{"scheme", "result"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gowdl_runs_total",
			Help: "Finished runs by terminal state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(admissionWait)
	prometheus.MustRegister(resourcesInUse)
	prometheus.MustRegister(waiters)
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(cacheLookups)
	prometheus.MustRegister(localizedFiles)
	prometheus.MustRegister(runsTotal)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmissionWait records how long an acquisition waited.
func ObserveAdmissionWait(d time.Duration) {
	admissionWait.Observe(d.Seconds())
}

// SetInUse publishes the scheduler's granted totals.
func SetInUse(cpu, memory, gpu, disk int64) {
	resourcesInUse.WithLabelValues("cpu").Set(float64(cpu))
	resourcesInUse.WithLabelValues("memory_bytes").Set(float64(memory))
	resourcesInUse.WithLabelValues("gpu").Set(float64(gpu))
	resourcesInUse.WithLabelValues("disk_bytes").Set(float64(disk))
}

// SetWaiters publishes the admission queue length.
func SetWaiters(n int) {
	waiters.Set(float64(n))
}

// AttemptFinished counts a finished attempt and its duration.
func AttemptFinished(backend, state string, d time.Duration) {
	attemptsTotal.WithLabelValues(backend, state).Inc()
	if d > 0 {
		attemptDuration.WithLabelValues(backend).Observe(d.Seconds())
	}
}

// CacheLookup counts a call cache lookup result.
func CacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// FileLocalized counts a staged remote input.
func FileLocalized(scheme, result string) {
	localizedFiles.WithLabelValues(scheme, result).Inc()
}

// RunFinished counts a finished run.
func RunFinished(state string) {
	runsTotal.WithLabelValues(state).Inc()
}
