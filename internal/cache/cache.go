// Package cache provides a generic in-memory cache with TTL, LRU eviction
// and approximate size accounting. It backs the router response cache, the
// profile cache and the provider availability cache.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"maestro/pkg/logger"
)

// fallbackEntrySize is charged for values that cannot be JSON serialized.
const fallbackEntrySize = 1024

// Config holds cache configuration.
type Config struct {
	MaxEntries      int           `json:"max_entries" mapstructure:"max_entries"`
	TTL             time.Duration `json:"ttl" mapstructure:"ttl"`                           // 0 = no expiry
	MaxBytes        int64         `json:"max_bytes" mapstructure:"max_bytes"`               // 0 = unlimited
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"` // 0 = no background sweep
	Debug           bool          `json:"debug" mapstructure:"debug"`
}

// Stats reports cache counters and derived metrics.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Sets         int64   `json:"sets"`
	Evictions    int64   `json:"evictions"`
	Entries      int     `json:"entries"`
	Bytes        int64   `json:"bytes"`
	HitRate      float64 `json:"hit_rate"`
	AvgEntrySize float64 `json:"avg_entry_size"`
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	insertedAt time.Time
	hits       int64
	size       int64
}

// Cache is a keyed TTL+LRU store. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	config  Config
	items   map[K]*list.Element
	order   *list.List // front = least recently used
	bytes   int64
	hits    int64
	misses  int64
	sets    int64
	evicted int64
	done    chan struct{}
	once    sync.Once
}

// New creates a cache with the given configuration and starts the periodic
// cleanup sweep when CleanupInterval is set.
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	c := &Cache[K, V]{
		config: config,
		items:  make(map[K]*list.Element),
		order:  list.New(),
		done:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go c.cleanupLoop()
	}
	return c
}

// estimateSize approximates the in-memory footprint of a value as twice its
// JSON length. Non-serializable values are charged a fixed fallback size.
func estimateSize[V any](value V) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return fallbackEntrySize
	}
	return int64(2 * len(data))
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return c.config.TTL > 0 && time.Since(e.insertedAt) > c.config.TTL
}

// Get returns the cached value for key if present and not expired.
// A hit moves the entry to the most recently used position.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(el)
		c.misses++
		return zero, false
	}

	e.hits++
	c.hits++
	c.order.MoveToBack(el)
	return e.value, true
}

// Set stores a value. Entries whose individual size exceeds MaxBytes are
// rejected. Least recently used entries are evicted until both the entry
// count and byte budget hold.
func (c *Cache[K, V]) Set(key K, value V) bool {
	size := estimateSize(value)
	if c.config.MaxBytes > 0 && size > c.config.MaxBytes {
		if c.config.Debug {
			logger.Debug().Int64("size", size).Int64("max_bytes", c.config.MaxBytes).Msg("cache: entry exceeds byte budget")
		}
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	for len(c.items) >= c.config.MaxEntries ||
		(c.config.MaxBytes > 0 && c.bytes+size > c.config.MaxBytes) {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeElement(front)
		c.evicted++
	}

	e := &entry[K, V]{key: key, value: value, insertedAt: time.Now(), size: size}
	c.items[key] = c.order.PushBack(e)
	c.bytes += size
	c.sets++
	return true
}

// Delete removes a key. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Keys returns all non-expired keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		if c.expired(e) {
			continue
		}
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of entries, including any not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes all entries. Counters are preserved.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.bytes = 0
}

// Stats returns a snapshot of cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evicted,
		Entries:   len(c.items),
		Bytes:     c.bytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if len(c.items) > 0 {
		s.AvgEntrySize = float64(c.bytes) / float64(len(c.items))
	}
	return s
}

// Close stops the background cleanup sweep.
func (c *Cache[K, V]) Close() {
	c.once.Do(func() { close(c.done) })
}

// removeElement must be called with mu held.
// Expiry removals do not count toward the eviction counter.
func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
	c.bytes -= e.size
}

// cleanupLoop sweeps expired entries on a fixed interval until Close.
func (c *Cache[K, V]) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes all expired entries.
func (c *Cache[K, V]) sweep() {
	if c.config.TTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if c.expired(el.Value.(*entry[K, V])) {
			c.removeElement(el)
		}
	}
}
