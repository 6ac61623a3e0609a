// Package entitycache implements the bounded, capacity-limited cache of
// collections, items and tags described in spec.md section 4.1: a FIFO
// eviction order, coalesced list fetches, and pending-fetch tracking so
// concurrent callers asking for the same entity share one round trip.
package entitycache

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/metrics"
)

// FetchFunc retrieves the current values of ids from whatever backs the
// cache (typically the wire channel). It may return a subset of ids if some
// no longer exist; callers distinguish "not returned" from "zero value".
type FetchFunc[T any] func(ctx context.Context, ids []api.EntityID) (map[api.EntityID]T, error)

// cacheNode is spec.md's `{ entity, pending, invalid }` cache node: a slot
// exists once per requested id for as long as that id is tracked, whether
// its fetch is still outstanding or came back empty.
type cacheNode[T any] struct {
	value   T
	pending bool
	invalid bool
}

// Cache is a FIFO-bounded, coalescing cache of entities keyed by
// api.EntityID. The zero value is not usable; construct with New.
type Cache[T any] struct {
	fetch    FetchFunc[T]
	capacity int

	mu      sync.Mutex
	nodes   map[api.EntityID]*cacheNode[T]
	order   *linkedlistqueue.Queue[api.EntityID]
	waiters map[api.EntityID]chan struct{}
}

// New builds a cache with room for at most capacity entities. fetch is
// invoked, coalesced across ids, whenever EnsureCached needs data that
// isn't already cached or in flight.
func New[T any](capacity int, fetch FetchFunc[T]) *Cache[T] {
	return &Cache[T]{
		fetch:    fetch,
		capacity: capacity,
		nodes:    make(map[api.EntityID]*cacheNode[T]),
		order:    linkedlistqueue.New[api.EntityID](),
		waiters:  make(map[api.EntityID]chan struct{}),
	}
}

// IsCached reports whether id currently has a node that isn't pending
// (spec.md's is_cached); it is true even for a node marked invalid, since a
// caller still finds a slot for the id.
func (c *Cache[T]) IsCached(id api.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return ok && !n.pending
}

// IsRequested reports whether a node for id exists at all, pending or not.
func (c *Cache[T]) IsRequested(id api.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[id]
	return ok
}

// Retrieve returns the cached value for id without triggering a fetch. A
// pending or invalid node reports a miss: spec.md's "valid-looking id,
// empty payload" case, which callers must tolerate rather than mistake for
// real data.
func (c *Cache[T]) Retrieve(id api.EntityID) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok || n.pending || n.invalid {
		metrics.CacheHits.WithLabelValues("miss").Inc()
		var zero T
		return zero, false
	}
	metrics.CacheHits.WithLabelValues("hit").Inc()
	return n.value, true
}

// Update installs or replaces the cached value for id directly, bypassing
// fetch. It's used when a notification already carries the new state (e.g.
// a Modify delivered with its full payload) so a round trip can be skipped.
func (c *Cache[T]) Update(id api.EntityID, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(id, value)
}

// Invalidate drops id from the cache entirely, forcing the next
// EnsureCached to re-fetch it.
func (c *Cache[T]) Invalidate(id api.EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}

// DataAvailable returns a channel that is closed once a pending fetch for
// id completes, or nil if no fetch is in flight.
func (c *Cache[T]) DataAvailable(id api.EntityID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[id]
}

// Request starts a fetch for ids that are neither cached nor already in
// flight, coalescing them into a single FetchFunc call, and returns without
// waiting for it to complete. Use EnsureCached to both request and wait.
func (c *Cache[T]) Request(ctx context.Context, ids []api.EntityID) {
	c.startFetch(ctx, c.needsFetch(ids))
}

// EnsureCached fetches whatever subset of ids isn't already cached or
// pending, waits for all outstanding fetches covering ids to complete, and
// returns an error if the fetch itself failed. Entities the backing store
// no longer has are left as invalid nodes afterward; callers use Retrieve
// to notice.
func (c *Cache[T]) EnsureCached(ctx context.Context, ids []api.EntityID) error {
	missing := c.needsFetch(ids)
	var fetchErr error
	if len(missing) > 0 {
		fetchErr = c.runFetch(ctx, missing)
	}

	for _, id := range ids {
		if ch := c.DataAvailable(id); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fetchErr
}

// needsFetch returns the subset of ids that don't already have a node,
// reserving a pending slot for each as it goes (spec.md's request
// precondition `!is_requested(id)`) so a racing second call doesn't start a
// duplicate fetch.
func (c *Cache[T]) needsFetch(ids []api.EntityID) []api.EntityID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []api.EntityID
	for _, id := range ids {
		if _, exists := c.nodes[id]; exists {
			continue
		}
		c.reserveLocked(id)
		missing = append(missing, id)
	}
	return missing
}

// startFetch launches runFetch in the background, ignoring its error; it
// backs the fire-and-forget Request entry point.
func (c *Cache[T]) startFetch(ctx context.Context, ids []api.EntityID) {
	if len(ids) == 0 {
		return
	}
	go func() { _ = c.runFetch(ctx, ids) }()
}

func (c *Cache[T]) runFetch(ctx context.Context, ids []api.EntityID) error {
	if len(ids) == 0 {
		return nil
	}
	results, err := c.fetch(ctx, ids)

	c.mu.Lock()
	for _, id := range ids {
		if n, ok := c.nodes[id]; ok {
			if v, found := results[id]; found {
				n.value = v
				n.invalid = false
			} else {
				// spec.md §4.1: the fetched id differs from the requested
				// one (entity gone remotely), or the backend silently
				// omitted it. Either way the node stays -- marked invalid
				// but keeping the requested id -- so the next lookup still
				// finds and reports it instead of looking freshly missing.
				n.invalid = true
			}
			n.pending = false
		}
		if ch, ok := c.waiters[id]; ok {
			close(ch)
			delete(c.waiters, id)
		}
	}
	c.mu.Unlock()

	return err
}

// reserveLocked frees capacity and installs a new pending node for id, a
// fetch not yet having completed. Must be called with c.mu held.
func (c *Cache[T]) reserveLocked(id api.EntityID) {
	c.evictLocked()
	c.nodes[id] = &cacheNode[T]{pending: true}
	c.waiters[id] = make(chan struct{})
	c.order.Enqueue(id)
}

// insertLocked stores value under id as a non-pending, valid node, freeing
// capacity first if id is new. Must be called with c.mu held.
func (c *Cache[T]) insertLocked(id api.EntityID, value T) {
	if n, exists := c.nodes[id]; exists {
		n.value = value
		n.pending = false
		n.invalid = false
		return
	}
	c.evictLocked()
	c.nodes[id] = &cacheNode[T]{value: value}
	c.order.Enqueue(id)
}

// evictLocked frees a slot for a new node, walking the FIFO from the head
// (spec.md §4.1's "request" operation and the capacity-3 example in
// §9). A pending node can never be evicted, so eviction stops the moment
// it meets one even if the cache is left over capacity until that fetch
// completes. Must be called with c.mu held.
func (c *Cache[T]) evictLocked() {
	for c.capacity > 0 && len(c.nodes) >= c.capacity {
		headID, ok := c.order.Peek()
		if !ok {
			return
		}
		head, exists := c.nodes[headID]
		if exists && head.pending {
			return
		}
		c.order.Dequeue()
		if exists {
			delete(c.nodes, headID)
			metrics.CacheEvictions.Inc()
		}
		// A missing node means headID was already removed (e.g. by
		// Invalidate) while its queue entry was still in line; drop the
		// stale entry and keep walking.
	}
}
