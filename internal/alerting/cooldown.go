package alerting

import (
	"context"
	"sync"
	"time"

	"price-intel/internal/model"
	"price-intel/internal/storage"
)

// Clock abstracts time for the dispatcher.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// CooldownTracker remembers the last dispatch per (product, reason). Entries are
// loaded lazily from the alert store so a restart keeps honouring the window.
type CooldownTracker struct {
	mu     sync.Mutex
	window time.Duration
	store  storage.AlertStore
	last   map[model.AlertKey]time.Time
	loaded map[model.AlertKey]bool
}

// NewCooldownTracker constructs a tracker; store may be nil.
func NewCooldownTracker(window time.Duration, store storage.AlertStore) *CooldownTracker {
	return &CooldownTracker{
		window: window,
		store:  store,
		last:   make(map[model.AlertKey]time.Time),
		loaded: make(map[model.AlertKey]bool),
	}
}

// Reserve claims key at now when no dispatch exists within the window. Any record counts,
// whatever its outcome.
func (c *CooldownTracker) Reserve(ctx context.Context, key model.AlertKey, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded[key] && c.store != nil {
		rec, ok, err := c.store.LatestAlert(ctx, key)
		if err != nil {
			return false, err
		}
		if ok {
			c.observe(key, rec.TriggeredAt)
		}
		c.loaded[key] = true
	}

	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false, nil
	}
	c.last[key] = now
	return true, nil
}

// Release undoes a reservation made at at, used when the record could not be persisted.
func (c *CooldownTracker) Release(key model.AlertKey, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[key]; ok && last.Equal(at) {
		delete(c.last, key)
		delete(c.loaded, key)
	}
}

// Forget drops every entry for a product, e.g. after it was removed.
func (c *CooldownTracker) Forget(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.last {
		if key.ProductID == productID {
			delete(c.last, key)
		}
	}
	for key := range c.loaded {
		if key.ProductID == productID {
			delete(c.loaded, key)
		}
	}
}

func (c *CooldownTracker) observe(key model.AlertKey, at time.Time) {
	if last, ok := c.last[key]; !ok || at.After(last) {
		c.last[key] = at
	}
}
