package provider

import (
	"sync"
	"time"
)

// Availability cache TTLs. Binaries with a known version are assumed stable
// and re-probed less often.
const (
	availabilityTTLKnownVersion = 5 * time.Minute
	availabilityTTLUnknown      = 1 * time.Minute
)

// availabilityCache caches the last availability probe result.
type availabilityCache struct {
	mu        sync.Mutex
	value     bool
	checkedAt time.Time
	ttl       time.Duration

	hits     int64
	misses   int64
	ageSumMs float64
}

func newAvailabilityCache(ttl time.Duration) *availabilityCache {
	return &availabilityCache{ttl: ttl}
}

// get returns the cached value if fresh.
func (c *availabilityCache) get() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkedAt.IsZero() || time.Since(c.checkedAt) > c.ttl {
		c.misses++
		return false, false
	}
	c.hits++
	c.ageSumMs += float64(time.Since(c.checkedAt).Milliseconds())
	return c.value, true
}

// put stores a fresh probe result.
func (c *availabilityCache) put(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.checkedAt = time.Now()
}

// setTTL adjusts the cache TTL.
func (c *availabilityCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

func (c *availabilityCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkedAt = time.Time{}
	c.value = false
}

func (c *availabilityCache) metrics() AvailabilityMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := AvailabilityMetrics{Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		m.HitRate = float64(c.hits) / float64(total)
	}
	if c.hits > 0 {
		m.AvgAgeMs = c.ageSumMs / float64(c.hits)
	}
	return m
}

// healthTracker records probe outcomes for uptime reporting.
type healthTracker struct {
	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	totalChecks          int64
	totalSuccesses       int64
	lastCheck            time.Time
}

func (h *healthTracker) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.consecutiveSuccesses++
	h.totalChecks++
	h.totalSuccesses++
	h.lastCheck = time.Now()
}

func (h *healthTracker) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveSuccesses = 0
	h.consecutiveFailures++
	h.totalChecks++
	h.lastCheck = time.Now()
}

func (h *healthTracker) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Health{
		ConsecutiveFailures:  h.consecutiveFailures,
		ConsecutiveSuccesses: h.consecutiveSuccesses,
		LastCheck:            h.lastCheck,
	}
	if h.totalChecks > 0 {
		s.UptimePct = 100 * float64(h.totalSuccesses) / float64(h.totalChecks)
	}
	return s
}

func (h *healthTracker) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h = healthTracker{}
}
