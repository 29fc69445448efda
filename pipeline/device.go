package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"ltfs-xfer/task"
)

type injectionRequester interface {
	RequestInjection(lastCall bool)
}

// DeviceWorker runs the tape half of every pair, one at a time and in the
// order they were injected. Tape positioning depends on that order.
type DeviceWorker struct {
	env        task.DeviceEnv
	tasks      chan task.DeviceTask
	pending    atomic.Int64
	executed   atomic.Int64
	threshold  int
	requester  injectionRequester
	disk       *DiskPool
	elector    *endElector
	finishOnce sync.Once
}

func NewDeviceWorker(cfg Config, env task.DeviceEnv, disk *DiskPool, elector *endElector) *DeviceWorker {
	return &DeviceWorker{
		env:       env,
		tasks:     make(chan task.DeviceTask, 2*cfg.MaxFilesPerBatch+2),
		threshold: cfg.requestThreshold(),
		disk:      disk,
		elector:   elector,
	}
}

func (d *DeviceWorker) Push(t task.DeviceTask) {
	d.pending.Add(1)
	d.tasks <- t
}

// Finish queues the end of data sentinel behind every pushed task.
func (d *DeviceWorker) Finish() {
	d.finishOnce.Do(func() {
		d.tasks <- nil
	})
}

// Pending is the number of queued tasks not yet started.
func (d *DeviceWorker) Pending() int { return int(d.pending.Load()) }

func (d *DeviceWorker) Executed() int { return int(d.executed.Load()) }

func (d *DeviceWorker) Run(ctx context.Context) {
	defer d.elector.exit()
	for t := range d.tasks {
		if t == nil {
			d.env.Logger.Debug("Device worker reached end of data after ", d.Executed(), " tasks")
			d.disk.Finish()
			return
		}
		remaining := int(d.pending.Add(-1))
		if remaining < d.threshold && d.requester != nil {
			d.requester.RequestInjection(remaining == 0)
		}
		t.Execute(ctx, d.env)
		d.executed.Add(1)
	}
}
