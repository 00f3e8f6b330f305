package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMaxSize       = 10000
)

// Config configures a Cache. Zero values fall back to the defaults above.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxSize       int
	// Now overrides the clock; tests use it to simulate the passage of time.
	Now func() time.Time
}

type cacheEntry struct {
	firstSeen time.Time
	element   *list.Element
}

// Cache remembers (team, event) pairs for TTL after first sight.
// Insertion order is tracked so the oldest entry can be evicted in O(1)
// when the size bound is reached.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweep.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// Key builds the dedup key for an event.
func Key(teamID, eventID string) string {
	return teamID + ":" + eventID
}

// IsDuplicate reports whether the event was already seen within TTL and, if
// not, records it. Lookup and insert happen under one lock so two concurrent
// deliveries of the same event cannot both pass. Missing ids fail open.
func (c *Cache) IsDuplicate(teamID, eventID string) bool {
	if teamID == "" || eventID == "" {
		return false
	}
	key := Key(teamID, eventID)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.firstSeen) <= c.ttl {
			return true
		}
		c.removeLocked(key, entry)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{
		firstSeen: now,
		element:   c.order.PushBack(key),
	}
	return false
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if entry, ok := c.seen[key]; ok && now.Sub(entry.firstSeen) > c.ttl {
			c.removeLocked(key, entry)
			removed++
		}
		e = next
	}
	return removed
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// evictOldest drops the front of the insertion list. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
