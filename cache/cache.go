// Package cache is a bounded LRU of reference counted handles. A value
// stays alive while any handle to it is held, even after it has been evicted
// or erased; the release callback runs exactly once, after the last handle is
// dropped.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type entry[K comparable, V any] struct {
	key   K
	value V
	err   error
	// ready is closed once value/err are set.
	ready chan struct{}

	// The fields below are guarded by Cache.m.
	refs    int
	inCache bool
	elem    *list.Element // nil while loading or once removed from the LRU list
}

// Handle pins one cache entry.
type Handle[K comparable, V any] struct {
	c        *Cache[K, V]
	e        *entry[K, V]
	released atomic.Bool
}

func (h *Handle[K, V]) Key() K {
	return h.e.key
}

func (h *Handle[K, V]) Value() V {
	return h.e.value
}

// Release drops the pin. Calling it more than once is a no-op.
func (h *Handle[K, V]) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.c.unref(h.e)
	}
}

// Cache maps keys to loaded values. Only loaded entries count toward the
// capacity; loads in progress are tracked separately so that a failed load
// never displaces anything.
type Cache[K comparable, V any] struct {
	m        sync.Mutex
	capacity int
	lru      *list.List // front is most recently used
	data     map[K]*entry[K, V]
	release  func(K, V)
	metrics  *Metrics
}

// NewCache size: 要缓存的数据数量. release is called once per loaded value
// when it leaves the cache and is no longer pinned; it may be nil.
func NewCache[K comparable, V any](size int, release func(K, V), metrics *Metrics) *Cache[K, V] {
	if size < 1 {
		size = 1
	}
	if metrics == nil {
		metrics = NewMetrics("", "")
	}
	return &Cache[K, V]{
		capacity: size,
		lru:      list.New(),
		data:     make(map[K]*entry[K, V], size),
		release:  release,
		metrics:  metrics,
	}
}

// Lookup returns a handle for a loaded key, or false.
func (c *Cache[K, V]) Lookup(key K) (*Handle[K, V], bool) {
	c.m.Lock()
	e, ok := c.data[key]
	if !ok || e.elem == nil {
		c.m.Unlock()
		return nil, false
	}
	e.refs++
	c.lru.MoveToFront(e.elem)
	c.m.Unlock()
	c.metrics.Hits.Inc()
	return &Handle[K, V]{c: c, e: e}, true
}

// GetOrLoad returns a handle for key, calling load if the key is absent.
// Concurrent callers for the same key share a single load. A failed load is
// reported to every waiter and leaves no trace in the cache.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (*Handle[K, V], error) {
	c.m.Lock()
	if e, ok := c.data[key]; ok {
		e.refs++
		if e.elem != nil {
			c.lru.MoveToFront(e.elem)
		}
		c.m.Unlock()
		<-e.ready
		if e.err != nil {
			c.unref(e)
			return nil, e.err
		}
		c.metrics.Hits.Inc()
		return &Handle[K, V]{c: c, e: e}, nil
	}
	// One ref for the cache, one for the caller.
	e := &entry[K, V]{key: key, ready: make(chan struct{}), refs: 2, inCache: true}
	c.data[key] = e
	c.m.Unlock()
	c.metrics.Misses.Inc()

	value, err := load()

	c.m.Lock()
	e.value, e.err = value, err
	var victims []*entry[K, V]
	if err != nil {
		if e.inCache {
			e.inCache = false
			delete(c.data, key)
			e.refs--
		}
		e.refs--
		close(e.ready)
		c.m.Unlock()
		c.metrics.LoadFailures.Inc()
		return nil, err
	}
	if e.inCache {
		e.elem = c.lru.PushFront(e)
		victims = c.evictLocked()
	}
	close(e.ready)
	c.m.Unlock()

	c.releaseAll(victims)
	return &Handle[K, V]{c: c, e: e}, nil
}

// evictLocked trims the LRU list to capacity and returns the entries whose
// last reference was the cache's own.
func (c *Cache[K, V]) evictLocked() []*entry[K, V] {
	var victims []*entry[K, V]
	for c.lru.Len() > c.capacity {
		e := c.lru.Back().Value.(*entry[K, V])
		if e := c.removeLocked(e); e != nil {
			victims = append(victims, e)
		}
		c.metrics.Evictions.Inc()
	}
	return victims
}

// removeLocked drops the cache's reference. It returns e if that was the last one.
func (c *Cache[K, V]) removeLocked(e *entry[K, V]) *entry[K, V] {
	if !e.inCache {
		return nil
	}
	e.inCache = false
	delete(c.data, e.key)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.refs--
	if e.refs == 0 {
		return e
	}
	return nil
}

// Erase removes key. Pinned values stay valid until their handles are
// released; later lookups miss. An in-progress load for key is detached so
// that its result is handed to the callers already waiting but never cached.
func (c *Cache[K, V]) Erase(key K) bool {
	c.m.Lock()
	e, ok := c.data[key]
	var victim *entry[K, V]
	if ok {
		victim = c.removeLocked(e)
	}
	c.m.Unlock()
	if victim != nil {
		c.releaseAll([]*entry[K, V]{victim})
	}
	return ok
}

// EraseFunc erases every key for which match returns true and returns how
// many were removed.
func (c *Cache[K, V]) EraseFunc(match func(K) bool) int {
	c.m.Lock()
	var victims []*entry[K, V]
	n := 0
	for key, e := range c.data {
		if !match(key) {
			continue
		}
		n++
		if v := c.removeLocked(e); v != nil {
			victims = append(victims, v)
		}
	}
	c.m.Unlock()
	c.releaseAll(victims)
	return n
}

// Len returns the number of loaded entries.
func (c *Cache[K, V]) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Len()
}

// Close erases every entry.
func (c *Cache[K, V]) Close() {
	c.EraseFunc(func(K) bool { return true })
}

func (c *Cache[K, V]) unref(e *entry[K, V]) {
	c.m.Lock()
	e.refs--
	last := e.refs == 0
	c.m.Unlock()
	if last {
		c.releaseAll([]*entry[K, V]{e})
	}
}

func (c *Cache[K, V]) releaseAll(entries []*entry[K, V]) {
	if c.release == nil {
		return
	}
	for _, e := range entries {
		// A failed load never produced a value.
		if e.err == nil {
			c.release(e.key, e.value)
		}
	}
}
