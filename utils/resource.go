package utils

import (
	"context"
	"errors"
)

// ErrResourceStopped is returned by Reserve once Stop has been called.
var ErrResourceStopped = errors.New("resource manager stopped")

// simple resource manager so that not too many file hits are done at one time
type Resource struct {
	reserveChan chan chan int // callback channel will be payload
	releaseChan chan int      // signals to release
	signalChan  chan struct{} // closed to kill the manager
	done        chan struct{}
	inUse       []bool // state of in used
	max         int    // maximum number of opens
}

func NewResource(concurrent int) *Resource {
	if concurrent <= 0 {
		concurrent = 1
	}
	resource := &Resource{
		max:         concurrent,
		inUse:       make([]bool, concurrent),
		reserveChan: make(chan chan int),
		releaseChan: make(chan int),
		signalChan:  make(chan struct{}),
		done:        make(chan struct{}),
	}

	// start the manager for this instance
	go resource.manager()

	return resource
}

// the manager gives us resources if available, reserve requests queue up
// in arrival order while everything is in use
func (r *Resource) manager() {
	defer close(r.done)
	var waiting []chan int
	for {
		// hand out units to waiters while there are free ones
		for len(waiting) > 0 {
			unit := r.freeUnit()
			if unit < 0 {
				break
			}
			r.inUse[unit] = true
			waiting[0] <- unit
			waiting = waiting[1:]
		}
		select {
		case unit := <-r.releaseChan:
			if unit >= 0 && unit < r.max {
				r.inUse[unit] = false
			}
		case callback := <-r.reserveChan:
			waiting = append(waiting, callback)
		case <-r.signalChan:
			for _, callback := range waiting {
				close(callback)
			}
			return
		}
	}
}

func (r *Resource) freeUnit() int {
	for i, inuse := range r.inUse {
		if !inuse {
			return i
		}
	}
	return -1
}

// request a resource
func (r *Resource) Reserve() int {
	unit, err := r.ReserveContext(context.Background())
	if err != nil {
		return -1
	}
	return unit
}

// ReserveContext blocks until a unit is free, ctx is done or the manager is
// stopped.
func (r *Resource) ReserveContext(ctx context.Context) (int, error) {
	callback := make(chan int, 1)
	select {
	case r.reserveChan <- callback:
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-r.done:
		return -1, ErrResourceStopped
	}
	select {
	case unit, ok := <-callback:
		if !ok {
			return -1, ErrResourceStopped
		}
		return unit, nil
	case <-ctx.Done():
		// the manager may still answer, give the unit back when it does
		go func() {
			if unit, ok := <-callback; ok {
				r.Release(unit)
			}
		}()
		return -1, ctx.Err()
	}
}

// release a resource
func (r *Resource) Release(i int) {
	select {
	case r.releaseChan <- i:
	case <-r.done:
	}
}

// Stop ends the manager, pending reservations fail.
func (r *Resource) Stop() {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.signalChan <- struct{}{}:
	case <-r.done:
	}
	<-r.done
}
