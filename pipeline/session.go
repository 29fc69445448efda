package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"ltfs-xfer/diskio"
	"ltfs-xfer/jobsource"
	"ltfs-xfer/mempool"
	"ltfs-xfer/reporter"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	"ltfs-xfer/utils"
	"ltfs-xfer/watchdog"
)

// endElector picks the worker that ends the session: the last of the
// device worker and the disk workers to exit.
type endElector struct {
	active   atomic.Int32
	reporter *reporter.Reporter
	logger   *utils.Logger
}

func newEndElector(workers int, r *reporter.Reporter, logger *utils.Logger) *endElector {
	e := &endElector{reporter: r, logger: logger}
	e.active.Store(int32(workers))
	return e
}

func (e *endElector) exit() {
	if e.active.Add(-1) != 0 {
		return
	}
	if e.reporter.Failures() > 0 {
		msg, code := e.reporter.ErrorSummary()
		e.logger.Debug("Last worker out, ending session with errors")
		e.reporter.ReportEndOfSessionWithErrors(msg, code)
		return
	}
	e.logger.Debug("Last worker out, ending session")
	e.reporter.ReportEndOfSession()
}

// Session wires one transfer session together.
type Session struct {
	cfg      Config
	pool     *mempool.Pool
	injector *Injector
	device   *DeviceWorker
	disk     *DiskPool
	reporter *reporter.Reporter
	watchdog *watchdog.Watchdog
	logger   *utils.Logger
}

// NewSession builds a session over one mounted tape device. wd may be nil.
func NewSession(cfg Config, source jobsource.JobSource, device tapehardware.TapeDevice, fs diskio.FileSystem,
	wd *watchdog.Watchdog, logger *utils.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, watchdog: wd, logger: logger}
	s.pool = mempool.New(cfg.NumberOfBlocks, cfg.BlockSize, logger)
	s.reporter = reporter.New(source, cfg.ReportBatchSize, logger)
	elector := newEndElector(cfg.DiskWorkers+1, s.reporter, logger)

	s.disk = NewDiskPool(cfg, task.DiskEnv{
		Pool:     s.pool,
		FS:       fs,
		Sink:     s.reporter,
		Logger:   logger,
		Progress: wd,
	}, elector)
	s.device = NewDeviceWorker(cfg, task.DeviceEnv{
		Pool:     s.pool,
		Device:   device,
		Sink:     s.reporter,
		Logger:   logger,
		Progress: wd,
	}, s.disk, elector)
	s.injector = NewInjector(cfg, source, s.pool, s.device, s.disk, s.reporter, logger)
	s.reporter.OnCommunicationLost(s.injector.Stop)

	wd.SetProbe(func() watchdog.Status {
		stats := s.pool.Stats()
		return watchdog.Status{
			FreeBlocks:   stats.Free,
			TotalBlocks:  stats.Total,
			PendingTasks: s.device.Pending(),
			Completed:    s.reporter.Completed(),
			Failed:       s.reporter.Failed(),
		}
	})
	return s, nil
}

func (s *Session) Reporter() *reporter.Reporter { return s.reporter }
func (s *Session) Injector() *Injector          { return s.injector }
func (s *Session) Device() *DeviceWorker        { return s.device }

// Run processes every job the source hands out and returns the end of
// session notice that was delivered. Cancelling ctx stops injection; tasks
// already injected still run to completion.
func (s *Session) Run(ctx context.Context) (reporter.Terminal, error) {
	s.logger.Event("Starting ", s.cfg.Direction, " session with ", s.cfg.DiskWorkers, " disk workers")
	workCtx := context.WithoutCancel(ctx)
	watchCtx, stopWatch := context.WithCancel(workCtx)
	defer stopWatch()

	var g errgroup.Group
	g.Go(func() error {
		defer stopWatch()
		return s.reporter.Run(workCtx)
	})
	g.Go(func() error {
		s.watchdog.Run(watchCtx)
		return nil
	})

	if more, err := s.injector.SynchronousInjection(ctx); err != nil {
		s.logger.Error("First injection failed: ", err)
	} else if !more {
		s.logger.Event("Nothing to do for this session")
	}

	g.Go(func() error { return s.injector.Run(ctx) })
	g.Go(func() error {
		s.device.Run(workCtx)
		return nil
	})
	s.disk.Start(workCtx, &g)

	err := g.Wait()
	if stats := s.pool.Stats(); stats.Free != stats.Total {
		leak := errors.Errorf("memory pool leak: %d of %d blocks not returned", stats.Total-stats.Free, stats.Total)
		s.logger.Error(leak)
		if err == nil {
			err = leak
		}
	}
	s.pool.Stop()

	terminal := s.reporter.Terminal()
	s.logger.Event("Session finished: ", s.injector.Injected(), " injected in ", s.injector.Batches(), " batches, ",
		s.reporter.Completed(), " completed, ", s.reporter.Failed(), " failed")
	return terminal, errors.Wrap(err, "session")
}

func (s *Session) PoolStats() mempool.Stats { return s.pool.Stats() }
