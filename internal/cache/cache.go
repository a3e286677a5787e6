// Package cache provides the in-memory response cache used by the
// generative executor. Entries are immutable after insertion and expire
// by per-entry TTL, with size-bounded eviction of the oldest entries.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cascadefn/cascadefn/pkg/models"
)

// Entry is one cached generative response. Tokens records what the
// original completion cost so cache hits can report it.
type Entry struct {
	Output   json.RawMessage
	Model    string
	Tokens   models.TokenUsage
	StoredAt time.Time
	expires  int64 // unix millis, 0 means no expiry
	touched  int64 // unix millis of last access, drives eviction
}

// ResponseCache is a TTL and size bounded cache keyed by request
// digest. Safe for concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	maxSize int
}

// Options configures a ResponseCache.
type Options struct {
	// MaxSize bounds the entry count; 0 disables the cache.
	MaxSize int
}

// DefaultMaxSize bounds the cache when no size is configured.
const DefaultMaxSize = 10000

// NewResponseCache creates an empty cache.
func NewResponseCache(opts Options) *ResponseCache {
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	if maxSize < 0 {
		maxSize = 0
	}
	return &ResponseCache{
		entries: make(map[string]*Entry),
		maxSize: maxSize,
	}
}

// Get returns the entry at key if present and unexpired.
func (c *ResponseCache) Get(key string) (*Entry, bool) {
	return c.getAt(key, time.Now())
}

func (c *ResponseCache) getAt(key string, now time.Time) (*Entry, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := now.UnixMilli()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expires > 0 && nowMs >= entry.expires {
		delete(c.entries, key)
		return nil, false
	}
	entry.touched = nowMs
	return entry, true
}

// Put stores output at key with the given TTL. A zero or negative TTL
// stores the entry without expiry. Existing entries are not replaced;
// the first writer wins so concurrent identical requests stay
// consistent.
func (c *ResponseCache) Put(key string, output json.RawMessage, model string, tokens models.TokenUsage, ttl time.Duration) {
	c.putAt(key, output, model, tokens, ttl, time.Now())
}

func (c *ResponseCache) putAt(key string, output json.RawMessage, model string, tokens models.TokenUsage, ttl time.Duration, now time.Time) {
	if key == "" || c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := now.UnixMilli()
	if existing, ok := c.entries[key]; ok {
		if existing.expires == 0 || nowMs < existing.expires {
			return
		}
	}

	stored := make(json.RawMessage, len(output))
	copy(stored, output)

	entry := &Entry{
		Output:   stored,
		Model:    model,
		Tokens:   tokens,
		StoredAt: now,
		touched:  nowMs,
	}
	if ttl > 0 {
		entry.expires = nowMs + ttl.Milliseconds()
	}
	c.entries[key] = entry
	c.prune(nowMs)
}

// prune drops expired entries, then evicts least recently accessed
// entries until the size bound holds.
func (c *ResponseCache) prune(nowMs int64) {
	for key, entry := range c.entries {
		if entry.expires > 0 && nowMs >= entry.expires {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldestTouched := int64(1<<63 - 1)
		for key, entry := range c.entries {
			if entry.touched < oldestTouched {
				oldestTouched = entry.touched
				oldestKey = key
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}
