// ABOUTME: Seen-cache for inbound OneBot message ids, so gateway redeliveries are processed once.
// ABOUTME: Two-generation rotation bounds both memory and entry age without a sweeper goroutine.

package dedupe

import (
	"fmt"
	"sync"
	"time"
)

// Cache remembers recently seen message ids. A key lives at least ttl
// and at most 2*ttl; capacity is bounded at 2*limit entries.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	limit   int
	fresh   map[string]struct{}
	stale   map[string]struct{}
	rotated time.Time
}

// New creates a cache. ttl is the minimum remembering window, limit the
// per-generation entry cap.
func New(ttl time.Duration, limit int) *Cache {
	return &Cache{
		ttl:     ttl,
		limit:   limit,
		fresh:   make(map[string]struct{}),
		stale:   make(map[string]struct{}),
		rotated: time.Now(),
	}
}

// Seen marks the message and reports whether it was already known.
// The first call for a given (chat, id) returns false; redeliveries
// within the remembering window return true.
func (c *Cache) Seen(chatID string, messageID int64) bool {
	key := fmt.Sprintf("%s/%d", chatID, messageID)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate()

	if _, ok := c.fresh[key]; ok {
		return true
	}
	if _, ok := c.stale[key]; ok {
		return true
	}
	c.fresh[key] = struct{}{}
	return false
}

// maybeRotate ages the fresh generation out when it is full or old.
// Must be called with mu held.
func (c *Cache) maybeRotate() {
	if len(c.fresh) < c.limit && time.Since(c.rotated) < c.ttl {
		return
	}
	c.stale = c.fresh
	c.fresh = make(map[string]struct{})
	c.rotated = time.Now()
}
