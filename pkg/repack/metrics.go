package repack

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/revpack/pkg/store"
)

// Metrics is a prometheus collector for repack runs. Engine-side helpers
// tolerate a nil receiver, so callers without a registry leave
// Options.Metrics unset.
type Metrics struct {
	tasksTotal     *prometheus.CounterVec
	tasksLatency   *prometheus.HistogramVec
	prunedFiles    *prometheus.CounterVec
	structureCount *prometheus.HistogramVec
	structureSize  *prometheus.HistogramVec
}

// NewMetrics builds the collector set. Register it with a prometheus
// registry to expose it.
func NewMetrics() *Metrics {
	return &Metrics{
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revpack_repack_tasks_total",
				Help: "Total number of repack tasks performed, by task and status.",
			},
			[]string{"task", "status"},
		),
		tasksLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revpack_repack_tasks_latency_seconds",
				Help:    "Latency of repack tasks.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		prunedFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revpack_repack_pruned_files_total",
				Help: "Total number of files removed by repack, by file type.",
			},
			[]string{"filetype"},
		),
		structureCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revpack_store_data_structure_count",
				Help:    "Count of store data structures observed after a repack.",
				Buckets: prometheus.ExponentialBucketsRange(1, 10_000_000, 32),
			},
			[]string{"data_structure"},
		),
		structureSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revpack_store_data_structure_size",
				Help:    "Byte size of store data structures observed after a repack.",
				Buckets: prometheus.ExponentialBucketsRange(1, 50_000_000_000, 32),
			},
			[]string{"data_structure"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.tasksTotal.Collect(metrics)
	m.tasksLatency.Collect(metrics)
	m.prunedFiles.Collect(metrics)
	m.structureCount.Collect(metrics)
	m.structureSize.Collect(metrics)
}

func (m *Metrics) observeTask(task string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.tasksTotal.WithLabelValues(task, status).Inc()
	m.tasksLatency.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) addPruned(filetype string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.prunedFiles.WithLabelValues(filetype).Add(float64(n))
}

func (m *Metrics) observeStore(info store.Info) {
	if m == nil {
		return
	}
	m.structureCount.WithLabelValues("loose_revisions").Observe(float64(info.Loose.Objects))
	m.structureCount.WithLabelValues("data_packs").Observe(float64(info.DataPacks))
	m.structureCount.WithLabelValues("history_packs").Observe(float64(info.HistoryPacks))
	m.structureCount.WithLabelValues("packed_revisions").Observe(float64(info.PackedRevisions))
	m.structureSize.WithLabelValues("loose_revisions").Observe(float64(info.Loose.Bytes))
	m.structureSize.WithLabelValues("packs").Observe(float64(info.PackBytes))
}
