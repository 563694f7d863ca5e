package cache

import "sync"

// Cache is the interface the scheduler uses to collect per-job outcomes
// from concurrent workers.
type Cache[K comparable, V any] interface {
	Set(key K, v V)
	Snapshot() map[K]V
}

// MemCache is an in-memory implementation of Cache.
type MemCache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func NewMemCache[K comparable, V any]() *MemCache[K, V] {
	return &MemCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MemCache[K, V]) Set(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

func (c *MemCache[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[K]V, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
