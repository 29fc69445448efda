package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"ltfs-xfer/errcode"
	"ltfs-xfer/jobsource"
	"ltfs-xfer/mempool"
	"ltfs-xfer/reporter"
	"ltfs-xfer/task"
	"ltfs-xfer/utils"
)

// Injector pulls batches of jobs from the job source and feeds task pairs
// to the device worker and the disk pool. Batches are requested by the
// device worker when its queue runs low, and fetched on the injector's own
// goroutine.
type Injector struct {
	cfg      Config
	source   jobsource.JobSource
	pool     *mempool.Pool
	device   *DeviceWorker
	disk     *DiskPool
	reporter *reporter.Reporter
	logger   *utils.Logger

	requests    chan task.BatchRequest
	outstanding atomic.Bool
	stopped     atomic.Bool
	stop        chan struct{}
	endOnce     sync.Once
	abort       chan struct{}
	abortOnce   sync.Once
	injected    atomic.Int64
	batches     atomic.Int64
}

func NewInjector(cfg Config, source jobsource.JobSource, pool *mempool.Pool, device *DeviceWorker, disk *DiskPool,
	r *reporter.Reporter, logger *utils.Logger) *Injector {
	i := &Injector{
		cfg:      cfg,
		source:   source,
		pool:     pool,
		device:   device,
		disk:     disk,
		reporter: r,
		logger:   logger,
		requests: make(chan task.BatchRequest, 1),
		stop:     make(chan struct{}),
		abort:    make(chan struct{}),
	}
	device.requester = i
	return i
}

func (i *Injector) request(lastCall bool) task.BatchRequest {
	return task.BatchRequest{MaxFiles: i.cfg.MaxFilesPerBatch, MaxBytes: i.cfg.MaxBytesPerBatch, LastCall: lastCall}
}

// RequestInjection asks for the next batch without waiting for it. It does
// nothing while a request is outstanding or after end of data.
func (i *Injector) RequestInjection(lastCall bool) {
	if i.stopped.Load() || !i.outstanding.CompareAndSwap(false, true) {
		return
	}
	select {
	case i.requests <- i.request(lastCall):
	default:
		i.outstanding.Store(false)
	}
}

// Stop ends injection from any goroutine. End of data is still signaled on
// the injector's own goroutine so the sentinels land behind the last task.
func (i *Injector) Stop() {
	i.abortOnce.Do(func() {
		i.stopped.Store(true)
		close(i.abort)
	})
}

func (i *Injector) aborted() bool {
	select {
	case <-i.abort:
		return true
	default:
		return false
	}
}

// SynchronousInjection fetches and injects the first batch on the calling
// goroutine. False means there is nothing to do.
func (i *Injector) SynchronousInjection(ctx context.Context) (bool, error) {
	i.outstanding.Store(true)
	more, err := i.process(ctx, i.request(true))
	if err != nil {
		return false, err
	}
	return more, nil
}

// Run serves batch requests until end of data.
func (i *Injector) Run(ctx context.Context) error {
	for {
		select {
		case <-i.stop:
			return nil
		case <-i.abort:
			i.logger.Event("Injection stopped")
			i.signalEndOfData()
			return nil
		case <-ctx.Done():
			i.interrupted(ctx.Err())
			return nil
		case req := <-i.requests:
			if _, err := i.process(ctx, req); err != nil {
				return nil
			}
		}
	}
}

// process fetches one batch and injects it. It returns false once end of
// data has been signaled.
func (i *Injector) process(ctx context.Context, req task.BatchRequest) (bool, error) {
	batch, err := i.source.GetNextJobBatch(ctx, req)
	i.batches.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			i.interrupted(ctx.Err())
			return false, ctx.Err()
		}
		i.logger.Error("Unable to get next job batch: ", err)
		i.reporter.ReportSessionError(errcode.Wrap(err, errcode.Communication, "get next job batch"))
		i.signalEndOfData()
		return false, err
	}
	if i.aborted() {
		i.signalEndOfData()
		return false, nil
	}
	if len(batch.Jobs) > req.MaxFiles {
		err := errcode.New(errcode.Communication,
			fmt.Sprintf("job source returned %d jobs for a request of at most %d", len(batch.Jobs), req.MaxFiles))
		i.logger.Error(err)
		i.reporter.ReportSessionError(err)
		i.signalEndOfData()
		return false, err
	}

	if len(batch.Jobs) == 0 {
		if req.LastCall || batch.EndOfData {
			i.logger.Event("Job source has no more jobs")
			i.signalEndOfData()
			return false, nil
		}
		// empty but not final, ask once more as a last call
		i.logger.Debug("Empty batch on a non-last request, asking again as last call")
		i.requests <- i.request(true)
		return true, nil
	}

	for _, job := range batch.Jobs {
		i.inject(job)
	}
	i.logger.Debug("Injected batch of ", len(batch.Jobs), " jobs")
	if batch.EndOfData {
		i.signalEndOfData()
		return false, nil
	}

	i.outstanding.Store(false)
	// the device may have drained the batch before the flag was cleared
	if pending := i.device.Pending(); pending < i.cfg.requestThreshold() {
		i.RequestInjection(pending == 0)
	}
	return true, nil
}

func (i *Injector) inject(job task.JobDescriptor) {
	if job.Direction != i.cfg.Direction {
		i.reporter.ReportFailed(job, task.Failure{
			Message: "job direction " + job.Direction.String() + " does not match " + i.cfg.Direction.String() + " session",
			Code:    errcode.WrongDirection,
		})
		return
	}
	pair := task.NewPair(job, i.cfg.BlockSize, i.pool.Capacity())
	if pair.Client != nil {
		i.pool.RegisterClient(pair.Client)
	}
	i.injected.Add(1)
	i.device.Push(pair.Device)
	i.disk.Push(pair.Disk)
}

func (i *Injector) interrupted(err error) {
	if !i.stopped.Load() {
		i.reporter.ReportSessionError(errcode.Wrap(err, errcode.Shutdown, "session interrupted"))
	}
	i.signalEndOfData()
}

// signalEndOfData stops injection and queues the sentinels behind the last
// injected task. Requests still queued are dropped.
func (i *Injector) signalEndOfData() {
	i.endOnce.Do(func() {
		i.stopped.Store(true)
		for {
			select {
			case <-i.requests:
				continue
			default:
			}
			break
		}
		i.device.Finish()
		i.disk.Finish()
		close(i.stop)
	})
}

func (i *Injector) Injected() int { return int(i.injected.Load()) }

// Batches is the number of batch requests sent to the job source.
func (i *Injector) Batches() int { return int(i.batches.Load()) }
