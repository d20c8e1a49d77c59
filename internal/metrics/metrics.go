// Package metrics exposes Prometheus metrics about repository runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raldone01/borgback/internal/models"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	PhaseRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "borgback_phase_runs_total",
			Help: "Total number of borg invocations by repository, phase and outcome",
		},
		[]string{"repository", "phase", "outcome"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "borgback_phase_duration_seconds",
			Help:    "Wall-clock duration of borg invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~9h
		},
		[]string{"repository", "phase"},
	)

	NextRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "borgback_next_run_timestamp_seconds",
			Help: "Unix time of the next scheduled run of a repository",
		},
		[]string{"repository"},
	)

	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "borgback_last_success_timestamp_seconds",
			Help: "Unix time of the last fully successful backup sequence of a repository",
		},
		[]string{"repository"},
	)
)

// RecordPhase records one finished borg invocation.
func RecordPhase(repository string, phase models.Phase, result models.RunResult, duration time.Duration) {
	outcome := OutcomeSuccess
	if !result.OK() {
		outcome = OutcomeFailure
	}
	PhaseRuns.WithLabelValues(repository, string(phase), outcome).Inc()
	PhaseDuration.WithLabelValues(repository, string(phase)).Observe(duration.Seconds())
}

// RecordNextRun publishes the next due time of a repository.
func RecordNextRun(repository string, next time.Time) {
	NextRun.WithLabelValues(repository).Set(float64(next.Unix()))
}

// RecordSequence updates the last-success gauge when a sequence succeeded.
func RecordSequence(repository string, result models.RunResult, finished time.Time) {
	if result.OK() {
		LastSuccess.WithLabelValues(repository).Set(float64(finished.Unix()))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
