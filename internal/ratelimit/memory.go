package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is a Counter for a single process.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (c *MemoryCounter) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(ttl)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// PurgeExpiredWindows drops windows whose ttl has passed.
func (c *MemoryCounter) PurgeExpiredWindows(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var removed int64
	for key, w := range c.windows {
		if !now.Before(w.expiresAt) {
			delete(c.windows, key)
			removed++
		}
	}
	return removed, nil
}
