// Package waiter implements the keyed single-flight waiter cache: a map
// from key (an event id pending backfill, a room id pending statefill) to
// the set of tasks blocked on that key resolving. The cache only ever
// executes inside the reactor's serialized turn
// (internal/runtime.Reactor.Do/Submit), so it carries no internal lock.
package waiter

import "context"

// entry is one in-flight wait: the channel closes when the key resolves,
// carrying the resolved value or an error.
type entry[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache is a keyed single-flight cache. All methods must be called from
// the reactor goroutine that owns this Cache.
type Cache[K comparable, V any] struct {
	pending map[K]*entry[V]
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{pending: make(map[K]*entry[V])}
}

// Await registers the caller's interest in key, returning a wait function
// that blocks until the eventual Resolve(key, ...) call for this key (or
// until its ctx is done) and yields the resolved value. If key already
// has a pending wait, Await joins it rather than starting a second one —
// this is the single-flight property: concurrent backfill requests for the
// same missing event id collapse into one outbound fetch.
//
// started reports whether this call is the first waiter for key (the caller
// that gets started=true is responsible for actually performing the fetch
// and calling Resolve).
func (c *Cache[K, V]) Await(key K) (wait func(ctx context.Context) (V, error), started bool) {
	e, ok := c.pending[key]
	if !ok {
		e = &entry[V]{done: make(chan struct{})}
		c.pending[key] = e
	}
	return func(ctx context.Context) (V, error) {
		select {
		case <-e.done:
			return e.value, e.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}, !ok
}

// Resolve completes every waiter registered for key with value/err and
// removes key from the pending set.
func (c *Cache[K, V]) Resolve(key K, value V, err error) {
	e, ok := c.pending[key]
	if !ok {
		return
	}
	e.value = value
	e.err = err
	delete(c.pending, key)
	close(e.done)
}

// Pending reports whether key currently has at least one waiter.
func (c *Cache[K, V]) Pending(key K) bool {
	_, ok := c.pending[key]
	return ok
}

// Len returns the number of distinct keys currently awaited.
func (c *Cache[K, V]) Len() int { return len(c.pending) }
