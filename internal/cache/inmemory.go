package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultEvictInterval = 30 * time.Second

// InMemoryCache is the process-local backend. Nodes use it for values
// written under the private cache policy, and single-process runs use it
// as the shared backend too.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	stop    chan struct{}
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewInMemoryCache creates an in-memory cache with periodic eviction of
// expired entries.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithEviction(defaultEvictInterval)
}

// NewInMemoryCacheWithEviction is NewInMemoryCache with a custom eviction
// interval.
func NewInMemoryCacheWithEviction(interval time.Duration) *InMemoryCache {
	if interval <= 0 {
		interval = defaultEvictInterval
	}
	c := &InMemoryCache{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
	}
	go c.evictLoop(interval)
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = &memEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *InMemoryCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	return n, nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return ok && !entry.expired(time.Now()), nil
}

// Len returns the number of stored entries, expired ones included until
// the next eviction.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = make(map[string]*memEntry)
	close(c.stop)
	return nil
}

func (c *InMemoryCache) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
