package translate

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// Cache is the read/write surface the fan-out uses. The concrete
// implementation is *LRUCache.
type Cache interface {
	Get(text, sourceLang, targetLang string) (string, bool)
	Put(text, sourceLang, targetLang, translated string)
}

type cacheEntry struct {
	key        [32]byte
	translated string
	insertedAt time.Time
}

// LRUCache maps (normalized text, source, target) to a translated string.
// Entries expire after a TTL and the oldest-read entries are evicted once
// the size bound is reached. Writes are first-writer-wins: a live entry is
// never overwritten, so racing duplicate computations are discarded.
type LRUCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[[32]byte]*list.Element
	order      *list.List // front = most recently used
}

// NewLRUCache creates a cache with the given freshness window and entry bound.
func NewLRUCache(ttl time.Duration, maxEntries int) *LRUCache {
	return &LRUCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[[32]byte]*list.Element),
		order:      list.New(),
	}
}

// cacheKey hashes the normalized text plus the language pair. Equality is on
// exact byte content post-normalization; no fuzzy matching.
func cacheKey(text, sourceLang, targetLang string) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write([]byte(sourceLang))
	h.Write([]byte{0})
	h.Write([]byte(targetLang))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// NormalizeText trims and collapses all interior whitespace to single spaces.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Get returns the cached translation, or ok=false on a miss or expired entry.
// Get never touches the network.
func (c *LRUCache) Get(text, sourceLang, targetLang string) (string, bool) {
	key := cacheKey(text, sourceLang, targetLang)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.insertedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.translated, true
}

// Put stores a translation unless a live entry already exists for the key.
func (c *LRUCache) Put(text, sourceLang, targetLang, translated string) {
	key := cacheKey(text, sourceLang, targetLang)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		if c.ttl <= 0 || time.Since(entry.insertedAt) <= c.ttl {
			// First successful writer wins; the duplicate result is discarded.
			return
		}
		c.order.Remove(el)
		delete(c.entries, key)
	}

	for c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:        key,
		translated: translated,
		insertedAt: time.Now(),
	})
}

// Len returns the current entry count.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
