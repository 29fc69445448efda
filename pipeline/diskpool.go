package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"ltfs-xfer/task"
)

// DiskPool runs the disk half of every pair on a fixed set of workers.
// Tasks start in injection order but may finish in any order.
type DiskPool struct {
	env        task.DiskEnv
	workers    int
	tasks      chan task.DiskTask
	elector    *endElector
	finishOnce sync.Once
}

func NewDiskPool(cfg Config, env task.DiskEnv, elector *endElector) *DiskPool {
	return &DiskPool{
		env:     env,
		workers: cfg.DiskWorkers,
		tasks:   make(chan task.DiskTask, 2*cfg.MaxFilesPerBatch+cfg.DiskWorkers),
		elector: elector,
	}
}

func (p *DiskPool) Push(t task.DiskTask) {
	p.tasks <- t
}

// Finish queues one sentinel per worker behind every pushed task.
func (p *DiskPool) Finish() {
	p.finishOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.tasks <- nil
		}
	})
}

// Start launches the workers on g.
func (p *DiskPool) Start(ctx context.Context, g *errgroup.Group) {
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

func (p *DiskPool) work(ctx context.Context) {
	defer p.elector.exit()
	for t := range p.tasks {
		if t == nil {
			return
		}
		t.Execute(ctx, p.env)
	}
}
