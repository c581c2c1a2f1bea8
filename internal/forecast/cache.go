package forecast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"price-intel/internal/model"
)

// Key identifies a cached forecast. Points is part of the key so a backfilled
// observation that does not move LatestAt still misses.
type Key struct {
	ProductID string
	Model     string
	Horizon   int
	LatestAt  time.Time
	Points    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%d", k.ProductID, k.Model, k.Horizon, k.LatestAt.UnixNano(), k.Points)
}

// Cache stores forecasts until the product's history changes.
type Cache interface {
	Get(ctx context.Context, key Key) (model.Forecast, bool, error)
	Set(ctx context.Context, key Key, forecast model.Forecast) error
	Invalidate(ctx context.Context, productID string) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]map[string]model.Forecast
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string]model.Forecast)}
}

func (c *MemoryCache) Get(ctx context.Context, key Key) (model.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.entries[key.ProductID][key.String()]
	if !ok {
		return model.Forecast{}, false, nil
	}
	return clonePoints(f), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key Key, forecast model.Forecast) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byProduct, ok := c.entries[key.ProductID]
	if !ok {
		byProduct = make(map[string]model.Forecast)
		c.entries[key.ProductID] = byProduct
	}
	byProduct[key.String()] = clonePoints(forecast)
	return nil
}

// clonePoints detaches the Points slice so callers cannot mutate cached entries.
func clonePoints(f model.Forecast) model.Forecast {
	f.Points = append([]model.ForecastPoint(nil), f.Points...)
	return f
}

func (c *MemoryCache) Invalidate(ctx context.Context, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, productID)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
