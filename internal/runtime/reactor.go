// Package runtime implements the cooperative execution model the event
// pipeline runs under: tasks, a single-threaded reactor actor that
// serializes mutation of shared runtime state, a monotonic timer queue,
// and multi-waiter docks. Tasks are goroutines with explicit
// context.Context cancellation: a suspension point is simply a blocking
// channel receive, and an uninterruptible section is an explicit mask
// rather than an implicit stack property.
package runtime

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/construct-io/constructd/internal/errs"
)

// command is a closure submitted to the reactor for serialized execution.
type command func()

// Reactor is the single actor goroutine that owns and serializes mutation
// of runtime state (timers, docks, the peer pool, the waiter cache), so
// that state keeps single-threaded semantics on a multi-threaded host.
type Reactor struct {
	commands chan command
	timers   *timerQueue
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	running bool
}

// NewReactor creates a reactor. Call Run in its own goroutine to start
// draining submitted commands and firing due timers.
func NewReactor() *Reactor {
	return &Reactor{
		commands: make(chan command, 256),
		timers:   newTimerQueue(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drains the command channel and services the timer queue until ctx is
// cancelled or Stop is called. Intended to run in its own goroutine for the
// lifetime of the process.
func (r *Reactor) Run(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer close(r.done)

	for {
		var timerC <-chan time.Time
		var pending *time.Timer
		if d, ok := r.timers.nextFireDelay(); ok {
			pending = time.NewTimer(d)
			timerC = pending.C
		}

		stopping := false
		select {
		case <-ctx.Done():
			stopping = true
		case <-r.stop:
			stopping = true
		case cmd := <-r.commands:
			cmd()
			r.drainPending()
		case <-timerC:
			r.timers.fireDue()
		case <-r.wake:
			r.timers.fireDue()
		}
		if pending != nil {
			pending.Stop()
		}
		if stopping {
			return
		}
	}
}

// drainPending executes any further commands already queued without waiting,
// so a single reactor turn processes a full batch before re-checking timers.
func (r *Reactor) drainPending() {
	for {
		select {
		case cmd := <-r.commands:
			cmd()
		default:
			return
		}
	}
}

// Stop signals Run to return after its current turn.
func (r *Reactor) Stop() {
	close(r.stop)
	<-r.done
}

// Submit enqueues fn to run on the reactor goroutine and returns immediately.
// Used for fire-and-forget mutation of reactor-owned state.
func (r *Reactor) Submit(fn func()) {
	r.commands <- fn
}

// Do enqueues fn and blocks until it has run on the reactor goroutine,
// returning fn's error. Used when the caller needs the result before
// proceeding (e.g. a dock registration that must happen before the caller
// checks a predicate).
func (r *Reactor) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case r.commands <- func() { result <- fn() }:
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, ctx.Err(), "runtime: submit to reactor")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, ctx.Err(), "runtime: await reactor result")
	}
}

// AfterFunc schedules fn to run on the reactor goroutine once d has
// elapsed. Returns a Timer handle whose Cancel removes the pending entry
// if it has not yet fired.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{deadline: time.Now().Add(d), fn: fn}
	r.Submit(func() {
		heap.Push(r.timers.items, t)
		r.nudge()
	})
	return t
}

// nudge wakes the Run loop so it recomputes the next timer deadline after a
// new timer was pushed mid-turn.
func (r *Reactor) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// CancelTimer removes t from the queue if it has not fired yet. Safe to call
// from any goroutine; the removal itself is serialized onto the reactor.
func (r *Reactor) CancelTimer(t *Timer) {
	r.Submit(func() {
		t.cancelled = true
	})
}
