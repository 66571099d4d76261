// Package metrics exposes Prometheus instrumentation for the BAT
// buffer pool: slot occupancy, reference-count pressure, and the
// duration of the operations that touch disk (commit, recovery, save).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Slab / slot occupancy
	SlotsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_slots_total",
		Help: "Number of slab slots the pool can address (its limit), set at Init",
	})

	SlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_slots_in_use",
		Help: "Number of slots currently holding a BAT",
	})

	LoadedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_loaded_total",
		Help: "Number of BATs with a non-nil cache pointer",
	})

	HotTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_hot_total",
		Help: "Number of BATs with the HOT bit set",
	})

	// Reference pressure
	MemoryRefsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_memory_refs_total",
		Help: "Sum of memory_refs across all slots",
	})

	LogicalRefsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_logical_refs_total",
		Help: "Sum of logical_refs across all slots",
	})

	// Commit protocol
	CommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bbp_commits_total",
		Help: "Total number of sync() calls by outcome and mode",
	}, []string{"mode", "outcome"})

	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbp_commit_duration_seconds",
		Help:    "Duration of a full or subcommit sync() call",
		Buckets: prometheus.DefBuckets,
	})

	// Recovery
	RecoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bbp_recovery_duration_seconds",
		Help:    "Duration of the startup recovery pass",
		Buckets: prometheus.DefBuckets,
	})

	RecoveryFilesQuarantined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bbp_recovery_files_quarantined_total",
		Help: "Files moved to LEFT/ during recovery because they matched no known id",
	})

	// Trimmer
	TrimmerRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bbp_trimmer_runs_total",
		Help: "Number of trimmer passes executed",
	})

	TrimmerEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bbp_trimmer_evicted_total",
		Help: "Number of BATs the trimmer unloaded",
	})

	VMBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bbp_vm_bytes",
		Help: "Most recently sampled system memory in use (total minus free), used for the trimmer's pressure check",
	})
)

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) time.Duration {
	elapsed := time.Since(t.start)
	h.Observe(elapsed.Seconds())
	return elapsed
}

// Register registers every collector with the given registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		SlotsTotal, SlotsInUse, LoadedTotal, HotTotal,
		MemoryRefsTotal, LogicalRefsTotal,
		CommitsTotal, CommitDuration,
		RecoveryDuration, RecoveryFilesQuarantined,
		TrimmerRunsTotal, TrimmerEvictedTotal, VMBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler that serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
