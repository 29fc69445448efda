package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the session gauges and counters, all prefixed ltfsx_.
type Metrics struct {
	// BytesTotal counts bytes moved by direction
	BytesTotal *prometheus.CounterVec

	// Files tracks files reported by result
	Files *prometheus.GaugeVec

	FreeBlocks   prometheus.Gauge
	TotalBlocks  prometheus.Gauge
	PendingTasks prometheus.Gauge
}

// NewMetrics creates and registers the metrics with reg. Panics if
// registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltfsx_bytes_total",
				Help: "Total bytes moved between tape and disk",
			},
			[]string{"direction"},
		),
		Files: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ltfsx_files",
				Help: "Files reported in the current session by result",
			},
			[]string{"result"}, // "completed", "failed"
		),
		FreeBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ltfsx_pool_free_blocks",
				Help: "Memory blocks currently free in the pool",
			},
		),
		TotalBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ltfsx_pool_blocks",
				Help: "Memory blocks in the pool",
			},
		),
		PendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ltfsx_pending_device_tasks",
				Help: "Tasks queued ahead of the tape",
			},
		),
	}
	reg.MustRegister(m.BytesTotal, m.Files, m.FreeBlocks, m.TotalBlocks, m.PendingTasks)
	return m
}
