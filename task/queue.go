package task

import (
	"context"
	"sync"

	"ltfs-xfer/mempool"
)

// BlockQueue carries the blocks of one file from producer to consumer.
// Pushing a block hands it over: the producer must not touch it again.
// Closing the queue is the "no more blocks" marker; a producer that could
// not hand over a failed block closes it with a failure instead.
type BlockQueue struct {
	ch        chan *mempool.Block
	closeOnce sync.Once
	failure   *Failure
}

// NewBlockQueue sizes the queue so that a push never waits: a file never
// has more blocks in flight than the pool holds.
func NewBlockQueue(blocks, poolCapacity int) *BlockQueue {
	capacity := blocks
	if capacity > poolCapacity {
		capacity = poolCapacity
	}
	if capacity < 1 {
		capacity = 1
	}
	return &BlockQueue{ch: make(chan *mempool.Block, capacity)}
}

func (q *BlockQueue) Push(b *mempool.Block) {
	q.ch <- b
}

// Pop waits for the next block; false once the queue is closed and empty.
func (q *BlockQueue) Pop() (*mempool.Block, bool) {
	b, ok := <-q.ch
	return b, ok
}

func (q *BlockQueue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// CloseWithFailure closes the queue and records f for the consumer, unless
// the queue was already closed.
func (q *BlockQueue) CloseWithFailure(f Failure) {
	q.closeOnce.Do(func() {
		q.failure = &f
		close(q.ch)
	})
}

// Failure is only meaningful after Pop has returned false.
func (q *BlockQueue) Failure() (Failure, bool) {
	if q.failure == nil {
		return Failure{}, false
	}
	return *q.failure, true
}

// blockFeed is registered with the pool for a migration pair. The pool
// pushes it free blocks until the file has all it needs; the disk side
// takes them to fill.
type blockFeed struct {
	mu        sync.Mutex
	free      chan *mempool.Block
	need      int
	got       int
	cancelled bool
	closed    bool
}

func newBlockFeed(need, poolCapacity int) *blockFeed {
	capacity := need
	if capacity > poolCapacity {
		capacity = poolCapacity
	}
	return &blockFeed{free: make(chan *mempool.Block, capacity), need: need}
}

func (f *blockFeed) ProvideBlock(b *mempool.Block) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled || f.closed || f.got == f.need {
		return false
	}
	select {
	case f.free <- b:
		f.got++
		return true
	default:
		return false
	}
}

func (f *blockFeed) PoolClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.free)
	}
}

// next waits for a free block; false when the pool closed or ctx ended.
func (f *blockFeed) next(ctx context.Context) (*mempool.Block, bool) {
	select {
	case b, ok := <-f.free:
		return b, ok
	case <-ctx.Done():
		return nil, false
	}
}

// cancel stops the feed and gives back blocks it holds but nobody used.
func (f *blockFeed) cancel(pool *mempool.Pool) {
	f.mu.Lock()
	f.cancelled = true
	var unused []*mempool.Block
	for {
		select {
		case b, ok := <-f.free:
			if ok {
				unused = append(unused, b)
				continue
			}
		default:
		}
		break
	}
	f.mu.Unlock()
	// release outside the lock, the pool manager may be waiting on it
	for _, b := range unused {
		pool.Release(b)
	}
}
