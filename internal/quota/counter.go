// Package quota holds the shared counters behind per-tool usage limits.
// Counters are injected so several engine instances can share one store.
package quota

import (
	"context"
	"sync"
	"time"
)

// Counter is a keyed atomic increment with expiry.
type Counter interface {
	// Increment adds delta to key and returns the new total. A key that does
	// not exist or has expired starts from zero and lives for ttl.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the current total, zero for unknown or expired keys.
	Get(ctx context.Context, key string) (int64, error)
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCounter) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		e = memoryEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	e.value += delta
	c.entries[key] = e

	c.sweep(now)
	return e.value, nil
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)) {
		return 0, nil
	}
	return e.value, nil
}

// sweep drops expired keys once the map grows; callers hold mu.
func (c *MemoryCounter) sweep(now time.Time) {
	if len(c.entries) < 1024 {
		return
	}
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

var _ Counter = (*MemoryCounter)(nil)
