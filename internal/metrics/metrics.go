// Package metrics exposes Prometheus collectors for export and import runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run kinds.
const (
	KindExport = "export"
	KindImport = "import"
)

// Metrics groups the collectors of one engine. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	records     *prometheus.CounterVec
	dangling    *prometheus.CounterVec
	skipped     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// runs counts finished runs by kind and result
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "celerix_snapshot_runs_total",
			Help: "Finished export and import runs by kind and result",
		}, []string{"kind", "result"}),

		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "celerix_snapshot_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"kind"}),

		// records counts rows read on export and written on import
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "celerix_snapshot_records_total",
			Help: "Rows moved by section and action",
		}, []string{"section", "action"}),

		dangling: f.NewCounterVec(prometheus.CounterOpts{
			Name: "celerix_snapshot_dangling_refs_total",
			Help: "User references with no match in the identity map",
		}, []string{"section", "field", "policy"}),

		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "celerix_snapshot_skipped_total",
			Help: "Tenants, sections and rows skipped during import by reason",
		}, []string{"reason"}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(kind, result).Inc()
	m.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// AddRecords counts n rows of section under action (exported, created, updated).
func (m *Metrics) AddRecords(section, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(section, action).Add(float64(n))
}

// Dangling counts one unresolved user reference.
func (m *Metrics) Dangling(section, field, policy string) {
	if m == nil {
		return
	}
	m.dangling.WithLabelValues(section, field, policy).Inc()
}

// Skipped counts one skipped tenant, section or row.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}
