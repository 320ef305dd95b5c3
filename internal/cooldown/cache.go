// Package cooldown suppresses repeat deliveries of the same reminder within a
// short window. It is the only arbiter between the precise scheduler path and
// the polling path.
package cooldown

import (
	"sync"
	"time"

	"dosealert/internal/clock"
	"dosealert/internal/reminder"
)

const (
	DefaultWindow     = 5 * time.Minute
	DefaultMaxEntries = 2000
)

// Key identifies a cooldown entry.
type Key struct {
	ScheduleID reminder.ScheduleID
	Kind       reminder.Kind
}

type entry struct {
	shownAt time.Time
	until   time.Time
	expiry  clock.Timer
}

// Cache maps (schedule, kind) to the last time a reminder was shown.
//
// Entries remove themselves when the window elapses. Expired entries are also
// pruned lazily and the map is capped, oldest first.
type Cache struct {
	mu      sync.Mutex
	clk     clock.Clock
	window  time.Duration
	max     int
	entries map[Key]*entry
}

func New(clk clock.Clock, window time.Duration, maxEntries int) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Cache{clk: clk, entries: map[Key]*entry{}}
	c.Apply(window, maxEntries)
	return c
}

// Apply updates the window and cap. Existing entries keep their expiry.
func (c *Cache) Apply(window time.Duration, maxEntries int) {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c.mu.Lock()
	c.window = window
	c.max = maxEntries
	c.mu.Unlock()
}

// ShouldDeliver reports whether no live entry exists for (id, kind).
func (c *Cache) ShouldDeliver(id reminder.ScheduleID, kind reminder.Kind) bool {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key{id, kind}]
	if !ok {
		return true
	}
	if !now.Before(e.until) {
		c.dropLocked(Key{id, kind}, e)
		return true
	}
	return false
}

// RecordDelivered inserts or overwrites the entry for (id, kind) and arms its
// expiry.
func (c *Cache) RecordDelivered(id reminder.ScheduleID, kind reminder.Kind) {
	now := c.clk.Now()
	k := Key{id, kind}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[k]; ok && old.expiry != nil {
		old.expiry.Stop()
	}
	e := &entry{shownAt: now, until: now.Add(c.window)}
	e.expiry = c.clk.AfterFunc(c.window, func() { c.expire(k, e) })
	c.entries[k] = e
	c.pruneLocked(now)
}

// Clear removes every entry for the schedule id, across kinds.
func (c *Cache) Clear(id reminder.ScheduleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.ScheduleID == id {
			c.dropLocked(k, e)
		}
	}
}

// ClearKind removes the entry for (id, kind) only.
func (c *Cache) ClearKind(id reminder.ScheduleID, kind reminder.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := Key{id, kind}
	if e, ok := c.entries[k]; ok {
		c.dropLocked(k, e)
	}
}

// LastShown returns when (id, kind) was last delivered, if the entry is live.
func (c *Cache) LastShown(id reminder.ScheduleID, kind reminder.Kind) (time.Time, bool) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key{id, kind}]
	if !ok || !now.Before(e.until) {
		return time.Time{}, false
	}
	return e.shownAt, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expire(k Key, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Only drop the entry this timer was armed for.
	if cur, ok := c.entries[k]; ok && cur == e {
		delete(c.entries, k)
	}
}

func (c *Cache) dropLocked(k Key, e *entry) {
	if e.expiry != nil {
		e.expiry.Stop()
	}
	delete(c.entries, k)
}

func (c *Cache) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.until) {
			c.dropLocked(k, e)
		}
	}
	for len(c.entries) > c.max {
		var (
			minKey Key
			minT   time.Time
			set    bool
		)
		for k, e := range c.entries {
			if !set || e.until.Before(minT) {
				minKey, minT, set = k, e.until, true
			}
		}
		if !set {
			break
		}
		c.dropLocked(minKey, c.entries[minKey])
	}
}
