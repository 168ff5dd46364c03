package gate

import "sync"

// fifoCache maps input fingerprints to filtered results with
// oldest-inserted eviction. Reads are concurrent, writes serialized.
type fifoCache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]FilteredInput
	order    []string
}

func newFIFOCache(capacity int) *fifoCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &fifoCache{
		capacity: capacity,
		entries:  make(map[string]FilteredInput, capacity),
	}
}

func (c *fifoCache) Get(key string) (FilteredInput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *fifoCache) Put(key string, value FilteredInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

func (c *fifoCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
