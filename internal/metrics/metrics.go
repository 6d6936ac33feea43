package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "scripthost"
	subsystem = "job"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful job starts.",
		}, []string{"job"},
	)
	jobStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of stops, by how the process ended.",
		}, []string{"job", "outcome"},
	)
	jobCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crashes_total",
			Help:      "Number of crashes detected by status checks.",
		}, []string{"job"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Number of failed process spawns.",
		}, []string{"job"},
	)
	installFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "install_failures_total",
			Help:      "Number of failed environment creations or dependency installs.",
		}, []string{"job"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of transitions between job states.",
		}, []string{"from", "to"},
	)
	jobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs",
			Help:      "Registered jobs per status.",
		}, []string{"status"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one health sweep over all jobs.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "CPU usage of a running job's root process, sampled each sweep.",
		}, []string{"job"},
	)
	rssBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rss_bytes",
			Help:      "Resident memory of a running job's root process, sampled each sweep.",
		}, []string{"job"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		jobStarts, jobStops, jobCrashes, spawnFailures, installFailures,
		stateTransitions, jobsByStatus, sweepDuration, cpuPercent, rssBytes,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has been called.

func IncStart(job string) {
	if regOK.Load() {
		jobStarts.WithLabelValues(job).Inc()
	}
}

func IncStop(job, outcome string) {
	if regOK.Load() {
		jobStops.WithLabelValues(job, outcome).Inc()
	}
}

func IncCrash(job string) {
	if regOK.Load() {
		jobCrashes.WithLabelValues(job).Inc()
	}
}

func IncSpawnFailure(job string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(job).Inc()
	}
}

func IncInstallFailure(job string) {
	if regOK.Load() {
		installFailures.WithLabelValues(job).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() && from != to {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetJobCounts replaces the per-status gauge. Statuses missing from counts
// are set to zero.
func SetJobCounts(counts map[string]int, statuses []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range statuses {
		jobsByStatus.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func ObserveSweep(seconds float64) {
	if regOK.Load() {
		sweepDuration.Observe(seconds)
	}
}

func SetUsage(job string, cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(job).Set(cpu)
		rssBytes.WithLabelValues(job).Set(float64(rss))
	}
}

// ForgetJob drops the per-job series of a job that is no longer running.
func ForgetJob(job string) {
	if regOK.Load() {
		cpuPercent.DeleteLabelValues(job)
		rssBytes.DeleteLabelValues(job)
	}
}
