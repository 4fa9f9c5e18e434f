// Package memo provides a process-wide memoizing cache for values that are
// expensive to build once and immutable afterwards, such as parsed schema
// bundles and compiled XSD schemas.
package memo

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// LoadFunc builds the value for a key on a cache miss.
type LoadFunc[V any] func() (V, error)

// Cache memoizes values by key. Concurrent misses for the same key share a
// single call to the loader; successful results are kept for the lifetime of
// the cache and failed loads are not remembered, so a later call retries.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
	group singleflight.Group

	hits  atomic.Uint64
	loads atomic.Uint64
}

// New creates an empty Cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{items: make(map[K]V)}
}

// Get returns the cached value for key, calling load at most once per key
// across concurrent callers when the value is not yet present.
func (c *Cache[K, V]) Get(key K, load LoadFunc[V]) (V, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}

	res, err, _ := c.group.Do(flightKey(key), func() (interface{}, error) {
		// Another flight may have stored the value between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.loads.Add(1)

		c.mu.Lock()
		c.items[key] = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Peek returns the cached value without loading it.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	return c.lookup(key)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats reports cache hits and successful loads.
func (c *Cache[K, V]) Stats() (hits, loads uint64) {
	return c.hits.Load(), c.loads.Load()
}

func (c *Cache[K, V]) lookup(key K) (V, bool) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	return v, ok
}

// flightKey renders key in Go syntax so that distinct composite keys never
// collide in the singleflight group.
func flightKey[K comparable](key K) string {
	return fmt.Sprintf("%#v", key)
}
