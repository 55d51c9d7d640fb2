package runtime

import (
	"context"
	"sync"

	"github.com/construct-io/constructd/internal/errs"
)

// Dock is a multi-waiter condition variable keyed by nothing in particular:
// any number of tasks can Wait on it, and any goroutine can Notify to wake
// them for re-evaluation. Used to park tasks awaiting a state change (new
// event written, peer link freed).
type Dock struct {
	mu      sync.Mutex
	waiters map[uint64]chan struct{}
}

// NewDock creates an empty dock.
func NewDock() *Dock {
	return &Dock{waiters: make(map[uint64]chan struct{})}
}

// Wait blocks until pred returns true, ctx is done, or the dock is notified
// (in which case pred is re-evaluated). pred is called with no lock held;
// callers are responsible for pred's own synchronization against whatever
// state it inspects.
func (d *Dock) Wait(ctx context.Context, pred func() bool) error {
	for {
		if pred() {
			return nil
		}
		id, ch := d.register()
		if pred() {
			d.unregister(id)
			return nil
		}
		select {
		case <-ch:
			d.unregister(id)
		case <-ctx.Done():
			d.unregister(id)
			return errs.Wrap(errs.Cancelled, ctx.Err(), "runtime: dock wait")
		}
	}
}

func (d *Dock) register() (uint64, chan struct{}) {
	id := nextGeneration()
	ch := make(chan struct{})
	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()
	return id, ch
}

func (d *Dock) unregister(id uint64) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}

// Notify wakes every task currently parked in Wait so each re-evaluates its
// predicate.
func (d *Dock) Notify() {
	d.mu.Lock()
	waiters := d.waiters
	d.waiters = make(map[uint64]chan struct{}, len(waiters))
	d.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
