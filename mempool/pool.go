// Package mempool owns the fixed set of memory blocks that carry file data
// between the tape side and the disk side of a session.
//
// A single manager goroutine owns the free list, in the same way the
// utils.Resource manager owns its units: every Acquire, Release, client
// registration and stats query is a message to that goroutine, so no block
// is ever reachable from the free list and from a caller at the same time.
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"ltfs-xfer/utils"
)

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("memory pool closed")

// Client is pushed free blocks by the pool manager, in registration order.
// ProvideBlock must not block and must not call back into the pool. It
// returns false to decline the block, which also unregisters the client.
type Client interface {
	ProvideBlock(b *Block) bool
	PoolClosed()
}

type Stats struct {
	Total   int
	Free    int
	Waiting int
}

type releaseRequest struct {
	block *Block
	ack   chan error
}

type waiter struct {
	callback chan *Block
	client   Client
}

type Pool struct {
	blockSize int
	total     int

	acquireChan  chan chan *Block
	releaseChan  chan releaseRequest
	registerChan chan Client
	statsChan    chan chan Stats
	closeChan    chan struct{}
	stopChan     chan struct{}
	done         chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
	finalFree atomic.Int64
	logger    *utils.Logger
}

// New allocates numberOfBlocks blocks of blockSize bytes and starts the
// manager goroutine. The capacity never changes afterwards.
func New(numberOfBlocks, blockSize int, logger *utils.Logger) *Pool {
	if numberOfBlocks <= 0 || blockSize <= 0 {
		panic("mempool: number of blocks and block size must be positive")
	}
	p := &Pool{
		blockSize:    blockSize,
		total:        numberOfBlocks,
		acquireChan:  make(chan chan *Block),
		releaseChan:  make(chan releaseRequest),
		registerChan: make(chan Client),
		statsChan:    make(chan chan Stats),
		closeChan:    make(chan struct{}),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger,
	}
	blocks := make([]*Block, numberOfBlocks)
	for i := range blocks {
		blocks[i] = newBlock(i, blockSize)
	}
	logger.Event("Memory pool created, blocks: ", numberOfBlocks, " block size: ",
		humanize.IBytes(uint64(blockSize)), " total: ", humanize.IBytes(uint64(numberOfBlocks*blockSize)))
	go p.manager(blocks)
	return p
}

func (p *Pool) BlockSize() int { return p.blockSize }
func (p *Pool) Capacity() int  { return p.total }

func (p *Pool) manager(all []*Block) {
	defer close(p.done)
	free := make([]*Block, len(all))
	copy(free, all)
	var waiters []waiter
	closed := false
	closeChan := p.closeChan

	failWaiters := func() {
		for _, w := range waiters {
			if w.client != nil {
				w.client.PoolClosed()
			} else {
				close(w.callback)
			}
		}
		waiters = nil
	}

	for {
		// serve the head of the waiting line while there are free blocks
		for len(free) > 0 && len(waiters) > 0 {
			w := waiters[0]
			b := free[0]
			b.inPool = false
			if w.client == nil {
				free = free[1:]
				w.callback <- b
				waiters = waiters[1:]
				continue
			}
			if w.client.ProvideBlock(b) {
				free = free[1:]
				continue
			}
			b.inPool = true
			waiters = waiters[1:]
		}

		select {
		case cb := <-p.acquireChan:
			if closed {
				close(cb)
				continue
			}
			waiters = append(waiters, waiter{callback: cb})
		case c := <-p.registerChan:
			if closed {
				c.PoolClosed()
				continue
			}
			waiters = append(waiters, waiter{client: c})
		case req := <-p.releaseChan:
			b := req.block
			switch {
			case b == nil || b.id < 0 || b.id >= len(all) || all[b.id] != b:
				req.ack <- errors.New("block does not belong to this pool")
			case b.inPool:
				req.ack <- fmt.Errorf("block %d released twice", b.id)
			default:
				b.reset()
				b.inPool = true
				free = append(free, b)
				req.ack <- nil
			}
		case s := <-p.statsChan:
			s <- Stats{Total: len(all), Free: len(free), Waiting: len(waiters)}
		case <-closeChan:
			closed = true
			closeChan = nil
			failWaiters()
		case <-p.stopChan:
			failWaiters()
			p.finalFree.Store(int64(len(free)))
			return
		}
	}
}

// Acquire blocks until a block is free. It returns ErrPoolClosed once the
// pool is closed, or ctx.Err() if ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*Block, error) {
	callback := make(chan *Block, 1)
	select {
	case p.acquireChan <- callback:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
	select {
	case b, ok := <-callback:
		if !ok {
			return nil, ErrPoolClosed
		}
		return b, nil
	case <-ctx.Done():
		// the manager may still hand us a block, give it straight back
		go func() {
			if b, ok := <-callback; ok {
				p.Release(b)
			}
		}()
		return nil, ctx.Err()
	}
}

// Release hands b back to the pool. Releasing a block twice, or a block from
// another pool, panics: it means two parties believed they owned it.
func (p *Pool) Release(b *Block) {
	ack := make(chan error, 1)
	select {
	case p.releaseChan <- releaseRequest{block: b, ack: ack}:
	case <-p.done:
		panic("mempool: release after pool stop")
	}
	if err := <-ack; err != nil {
		panic("mempool: " + err.Error())
	}
}

// RegisterClient queues c to be pushed free blocks.
func (p *Pool) RegisterClient(c Client) {
	select {
	case p.registerChan <- c:
	case <-p.done:
		c.PoolClosed()
	}
}

func (p *Pool) Stats() Stats {
	s := make(chan Stats, 1)
	select {
	case p.statsChan <- s:
		return <-s
	case <-p.done:
		return Stats{Total: p.total, Free: int(p.finalFree.Load())}
	}
}

// Close fails every waiting Acquire and client; later Acquire calls return
// ErrPoolClosed. Blocks can still be released.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closeChan) })
}

// Stop closes the pool and ends the manager goroutine. Nothing may be
// released after Stop.
func (p *Pool) Stop() {
	p.Close()
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
	})
	if free := p.finalFree.Load(); int(free) != p.total {
		p.logger.Error("Memory pool stopped with ", p.total-int(free), " blocks outstanding")
	}
}
