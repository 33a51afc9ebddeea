package notify

import (
	"sync"
	"time"

	logx "courierops/pkg/logx"
)

// DefaultCooldown is the window within which repeated signals of the same
// logical event are suppressed.
const DefaultCooldown = 5 * time.Minute

// DefaultSweepInterval is how often expired entries are removed. Entries are
// deleted once older than twice the cooldown, bounding memory growth.
const DefaultSweepInterval = 10 * time.Minute

type CacheEntry struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

type CacheStats struct {
	Size    int          `json:"size"`
	Entries []CacheEntry `json:"entries"`
}

// Cache maps a notification key to the last attempted-send time.
//
// The check-then-act pair (ShouldSuppress + Record) is not atomic across two
// in-flight requests for the same key; that narrow race is accepted — a rare
// duplicate message is a nuisance, not a correctness violation.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
	log      logx.Logger
}

func NewCache(cooldown time.Duration, log logx.Logger) *Cache {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		entries:  map[string]time.Time{},
		cooldown: cooldown,
		now:      time.Now,
		log:      log,
	}
}

// ShouldSuppress reports whether key was recorded within the cooldown window.
// Entries older than the cooldown count as absent even before the sweep
// deletes them.
func (c *Cache) ShouldSuppress(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(at) < c.cooldown
}

// Record stamps key with the current time. Called on every dispatch attempt,
// successful or not.
func (c *Cache) Record(key string) {
	c.mu.Lock()
	c.entries[key] = c.now()
	c.mu.Unlock()
}

// Sweep deletes entries older than twice the cooldown and returns how many
// were removed. Scheduled periodically by the app.
func (c *Cache) Sweep() int {
	maxAge := 2 * c.cooldown
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, at := range c.entries {
		if now.Sub(at) > maxAge {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("dedup cache swept", logx.Int("removed", removed), logx.Int("remaining", len(c.entries)))
	}
	return removed
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Size: len(c.entries), Entries: make([]CacheEntry, 0, len(c.entries))}
	for k, at := range c.entries {
		stats.Entries = append(stats.Entries, CacheEntry{Key: k, Timestamp: at.UnixMilli()})
	}
	return stats
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]time.Time{}
	c.mu.Unlock()
	c.log.Info("dedup cache cleared")
}

// SetClock overrides the time source. Test hook.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
