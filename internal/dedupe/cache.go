// ABOUTME: Thread-safe TTL cache of recently observed transmissions.
// ABOUTME: Tells the ingest path whether a (packet id, sender) pair is a first sighting.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Sighting describes one observation of a transmission key.
type Sighting struct {
	// First is true when the key was not seen inside the TTL.
	First bool
	// CrossNetwork is true when an earlier sighting came from a different source.
	CrossNetwork bool
	// Count is the number of sightings inside the TTL, including this one.
	Count int
}

// cacheEntry stores the first-seen timestamp, the sources that heard the key,
// and the list element for eviction.
type cacheEntry struct {
	firstSeen time.Time
	sources   map[string]struct{}
	count     int
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited record of observed
// transmission keys. A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Observe atomically records a sighting of key from source.
// The TTL window is anchored at the first sighting so a stream of repeats
// cannot keep a key alive forever.
func (c *Cache) Observe(key, source string) Sighting {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.seen[key]
	if ok && now.Sub(entry.firstSeen) < c.ttl {
		_, sameSource := entry.sources[source]
		cross := !sameSource || len(entry.sources) > 1
		entry.sources[source] = struct{}{}
		entry.count++
		return Sighting{First: false, CrossNetwork: cross, Count: entry.count}
	}

	if ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		firstSeen: now,
		sources:   map[string]struct{}{source: {}},
		count:     1,
		element:   elem,
	}
	return Sighting{First: true, Count: 1}
}

// Seen reports whether key has been observed and is not expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(entry.firstSeen) < c.ttl
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.firstSeen) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
