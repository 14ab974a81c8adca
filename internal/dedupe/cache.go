// ABOUTME: Thread-safe TTL set of recently seen keys with bounded size.
// ABOUTME: Guards against signing a replayed challenge nonce and against late events for closed runs.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is the list value for a tracked key.
type cacheEntry struct {
	key      string
	markedAt time.Time
}

// Cache remembers keys for a fixed TTL. Entries are kept in a list ordered by
// mark time (oldest at front), so expiry and capacity eviction both pop from
// the front. Expired entries are pruned lazily on every mutation; there is no
// background goroutine.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given TTL and maximum number of keys.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns true if the key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, c.now())
}

// CheckAndMark atomically checks and marks a key. It returns true if the key
// was already present (a duplicate) and false if it is new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.liveLocked(key, now) {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Mark records the key, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.now())
}

// Forget removes a key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.seen[key]; ok {
		c.order.Remove(elem)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, including any not yet pruned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string, now time.Time) bool {
	elem, ok := c.seen[key]
	if !ok {
		return false
	}
	entry, _ := elem.Value.(*cacheEntry)
	return now.Sub(entry.markedAt) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, now time.Time) {
	c.pruneLocked(now)

	if elem, ok := c.seen[key]; ok {
		entry, _ := elem.Value.(*cacheEntry)
		entry.markedAt = now
		c.order.MoveToBack(elem)
		return
	}

	for len(c.seen) >= c.maxSize {
		c.removeFrontLocked()
	}
	c.seen[key] = c.order.PushBack(&cacheEntry{key: key, markedAt: now})
}

// pruneLocked drops expired entries from the front of the list.
func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry, _ := front.Value.(*cacheEntry)
		if now.Sub(entry.markedAt) < c.ttl {
			return
		}
		c.removeFrontLocked()
	}
}

func (c *Cache) removeFrontLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry, _ := front.Value.(*cacheEntry)
	c.order.Remove(front)
	delete(c.seen, entry.key)
}
