// ABOUTME: Thread-safe TTL cache for deduplicating webhook deliveries.
// ABOUTME: Workflow engines retry on timeout; retried deliveries must not double-process.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache tracks delivery keys it has already seen, bounded by both a TTL and
// a maximum size. Expired entries are pruned opportunistically on writes, so
// there is no background goroutine to manage.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether key was marked within the TTL. It does not mark:
// callers mark a key only after the delivery has been processed, so a
// failed delivery does not poison its key against retries. An empty key
// is never a duplicate: callers that have no delivery ID get no
// deduplication.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Mark records key as delivered. Marking an empty key is a no-op.
func (c *Cache) Mark(key string) {
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)
	c.markLocked(key, now)
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(key string, now time.Time) {
	if e, exists := c.seen[key]; exists {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.seen[key] = &entry{
		seenAt:  now,
		element: c.order.PushBack(key),
	}
}

// pruneLocked drops expired entries from the front of the insertion list.
// Entries are re-inserted at the back when re-seen, so the front is always
// oldest and pruning stops at the first live entry.
func (c *Cache) pruneLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key := front.Value.(string)
		if now.Sub(c.seen[key].seenAt) <= c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
