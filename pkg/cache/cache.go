package cache

import (
	"sync"
	"time"
)

type item struct {
	value     interface{}
	expiresAt time.Time
}

func (it item) expired(now time.Time) bool {
	return now.After(it.expiresAt)
}

// Cache is a thread-safe in-memory store with TTL support. Entries expire
// defaultTTL after insertion unless SetWithTTL overrides it; a background
// sweeper evicts expired keys.
type Cache struct {
	items         map[string]item
	mu            sync.RWMutex
	defaultTTL    time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// New creates a cache with the given default TTL.
func New(defaultTTL time.Duration) *Cache {
	sweep := defaultTTL / 2
	if sweep < 100*time.Millisecond {
		sweep = 100 * time.Millisecond
	}

	c := &Cache{
		items:         make(map[string]item),
		defaultTTL:    defaultTTL,
		sweepInterval: sweep,
		stopSweep:     make(chan struct{}),
	}

	go c.sweeper()

	return c
}

// Set stores a value with the default TTL
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get retrieves a value; expired entries read as absent
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, exists := c.items[key]
	if !exists || it.expired(time.Now()) {
		return nil, false
	}
	return it.value, true
}

// Contains reports whether a live (non-expired) entry exists for key
func (c *Cache) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes a key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]item)
}

// Len returns the number of stored entries, including not yet swept
// expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) sweeper() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
		}
	}
}

// Stop stops the background sweeper. Safe to call multiple times.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}
