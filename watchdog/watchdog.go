// Package watchdog reports session liveness and progress: a periodic log
// line, prometheus metrics and a health endpoint. Nothing in a session
// depends on it; every method is safe on a nil *Watchdog.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"ltfs-xfer/task"
	"ltfs-xfer/utils"
)

// Status is a snapshot of a running session.
type Status struct {
	FreeBlocks   int
	TotalBlocks  int
	PendingTasks int
	Completed    int
	Failed       int
}

type Watchdog struct {
	interval time.Duration
	logger   *utils.Logger
	registry *prometheus.Registry
	metrics  *Metrics

	bytes [2]atomic.Int64
	pings atomic.Int64

	mu    sync.Mutex
	probe func() Status
}

func New(interval time.Duration, logger *utils.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	registry := prometheus.NewRegistry()
	return &Watchdog{
		interval: interval,
		logger:   logger,
		registry: registry,
		metrics:  NewMetrics(registry),
	}
}

// SetProbe installs the function polled for status on every tick.
func (w *Watchdog) SetProbe(probe func() Status) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.probe = probe
	w.mu.Unlock()
}

func (w *Watchdog) AddBytes(d task.Direction, n int) {
	if w == nil || n <= 0 {
		return
	}
	w.bytes[d&1].Add(int64(n))
	w.metrics.BytesTotal.WithLabelValues(d.String()).Add(float64(n))
}

func (w *Watchdog) Bytes(d task.Direction) int64 {
	if w == nil {
		return 0
	}
	return w.bytes[d&1].Load()
}

// Pings is the number of progress reports made.
func (w *Watchdog) Pings() int64 {
	if w == nil {
		return 0
	}
	return w.pings.Load()
}

// Run reports progress every interval until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.ping(start)
			return
		case <-ticker.C:
			w.ping(start)
		}
	}
}

func (w *Watchdog) ping(start time.Time) {
	w.pings.Add(1)
	w.mu.Lock()
	probe := w.probe
	w.mu.Unlock()
	var s Status
	if probe != nil {
		s = probe()
	}
	w.metrics.FreeBlocks.Set(float64(s.FreeBlocks))
	w.metrics.TotalBlocks.Set(float64(s.TotalBlocks))
	w.metrics.PendingTasks.Set(float64(s.PendingTasks))
	w.metrics.Files.WithLabelValues("completed").Set(float64(s.Completed))
	w.metrics.Files.WithLabelValues("failed").Set(float64(s.Failed))

	moved := w.bytes[0].Load() + w.bytes[1].Load()
	elapsed := time.Since(start).Seconds()
	rate := uint64(0)
	if elapsed > 0 {
		rate = uint64(float64(moved) / elapsed)
	}
	w.logger.Event("Progress: ", humanize.IBytes(uint64(moved)), " moved (", humanize.IBytes(rate), "/s), files ",
		s.Completed, " ok ", s.Failed, " failed, blocks free ", s.FreeBlocks, "/", s.TotalBlocks,
		", tasks pending ", s.PendingTasks)
}
