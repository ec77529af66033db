package memory

import (
	"sync"
	"time"
)

const (
	DefaultCacheMaxSize = 50
	DefaultCacheTrimTo  = 40
)

// ConversationCache holds the working set of recent turns, shared between
// the per-turn pipeline and the consolidation job. Bounded: once the size
// exceeds maxSize, only the most recent trimTo entries are kept, regardless
// of whether the dropped entries were ever processed.
//
// Contents are in-memory only; the ledger and the stores are the durable
// truth.
type ConversationCache struct {
	mu      sync.Mutex
	entries []CacheEntry
	maxSize int
	trimTo  int
}

func NewConversationCache(maxSize, trimTo int) *ConversationCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	if trimTo <= 0 || trimTo > maxSize {
		trimTo = maxSize * DefaultCacheTrimTo / DefaultCacheMaxSize
		if trimTo <= 0 {
			trimTo = maxSize
		}
	}
	return &ConversationCache{
		entries: make([]CacheEntry, 0, maxSize),
		maxSize: maxSize,
		trimTo:  trimTo,
	}
}

// Append adds a turn at the end, in conversation order, truncating to the
// most recent trimTo entries when the bound is exceeded.
func (c *ConversationCache) Append(turn Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, CacheEntry{
		MessageID: turn.ID,
		Turn:      turn,
		Timestamp: time.Now(),
	})
	if len(c.entries) > c.maxSize {
		kept := c.entries[len(c.entries)-c.trimTo:]
		c.entries = append(make([]CacheEntry, 0, c.maxSize), kept...)
	}
}

// Snapshot returns a copy of the current ordered contents.
func (c *ConversationCache) Snapshot() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CacheEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear empties the cache. Called only after a successful consolidation
// pass; appends that raced in after the pass's snapshot are dropped.
func (c *ConversationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
}

func (c *ConversationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// LastN returns the most recent n entries of a snapshot, preserving order.
func LastN(entries []CacheEntry, n int) []CacheEntry {
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}
