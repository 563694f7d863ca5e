package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemCacheConcurrentSet(t *testing.T) {
	c := NewMemCache[int, string]()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(i, "v")
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Len(t, snap, 64)
	assert.Equal(t, "v", snap[17])
	_, ok := snap[1000]
	assert.False(t, ok)
}

func TestSetOverwrites(t *testing.T) {
	c := NewMemCache[string, int]()
	c.Set("a", 1)
	c.Set("a", 2)
	assert.Equal(t, map[string]int{"a": 2}, c.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewMemCache[string, int]()
	c.Set("a", 1)

	snap := c.Snapshot()
	snap["a"] = 2
	snap["b"] = 3

	assert.Equal(t, map[string]int{"a": 1}, c.Snapshot())
}
