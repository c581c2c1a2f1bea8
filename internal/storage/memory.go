package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

// MemoryStore keeps products, history and alert records in process memory.
// It is used by tests, dry runs and deployments without database.dsn.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]model.Product
	history  map[string][]model.PriceObservation
	alerts   map[string]model.AlertRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]model.Product),
		history:  make(map[string][]model.PriceObservation),
		alerts:   make(map[string]model.AlertRecord),
	}
}

// AppendObservation inserts obs in timestamp order; an existing timestamp is a duplicate.
func (m *MemoryStore) AppendObservation(ctx context.Context, obs model.PriceObservation) (model.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[obs.ProductID]; !ok {
		return model.AppendAccepted, model.ErrProductNotFound
	}

	series := m.history[obs.ProductID]
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].Timestamp.Before(obs.Timestamp)
	})
	if idx < len(series) && series[idx].Timestamp.Equal(obs.Timestamp) {
		return model.AppendDuplicate, nil
	}

	series = append(series, model.PriceObservation{})
	copy(series[idx+1:], series[idx:])
	series[idx] = obs
	m.history[obs.ProductID] = series
	return model.AppendAccepted, nil
}

// GetHistory returns observations at or after since, oldest first.
func (m *MemoryStore) GetHistory(ctx context.Context, productID string, since *time.Time) ([]model.PriceObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.history[productID]
	start := 0
	if since != nil {
		start = sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(*since)
		})
	}
	out := make([]model.PriceObservation, len(series)-start)
	copy(out, series[start:])
	return out, nil
}

// LatestObservation returns the newest observation for a product.
func (m *MemoryStore) LatestObservation(ctx context.Context, productID string) (model.PriceObservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.history[productID]
	if len(series) == 0 {
		return model.PriceObservation{}, false, nil
	}
	return series[len(series)-1], true, nil
}

// GetProduct looks up a product by ID.
func (m *MemoryStore) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[productID]
	if !ok {
		return model.Product{}, model.ErrProductNotFound
	}
	return p, nil
}

// ListProducts returns all products ordered by ID.
func (m *MemoryStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertProduct creates or replaces a product, keeping the original CreatedAt.
func (m *MemoryStore) UpsertProduct(ctx context.Context, product model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	} else if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	m.products[product.ID] = product
	return nil
}

// SetAlertPrice updates or clears the target price.
func (m *MemoryStore) SetAlertPrice(ctx context.Context, productID string, price *decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return model.ErrProductNotFound
	}
	if price != nil {
		v := *price
		p.AlertPrice = &v
	} else {
		p.AlertPrice = nil
	}
	m.products[productID] = p
	return nil
}

// DeleteProduct removes a product together with its history and alert records.
func (m *MemoryStore) DeleteProduct(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[productID]; !ok {
		return model.ErrProductNotFound
	}
	delete(m.products, productID)
	delete(m.history, productID)
	for id, rec := range m.alerts {
		if rec.ProductID == productID {
			delete(m.alerts, id)
		}
	}
	return nil
}

// SaveAlert upserts a record by ID. The product must still exist.
func (m *MemoryStore) SaveAlert(ctx context.Context, record model.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[record.ProductID]; !ok {
		return model.ErrProductNotFound
	}
	m.alerts[record.ID] = cloneRecord(record)
	return nil
}

// GetAlert returns a record by ID.
func (m *MemoryStore) GetAlert(ctx context.Context, id string) (model.AlertRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.alerts[id]
	if !ok {
		return model.AlertRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// LatestAlert returns the most recently triggered record for key.
func (m *MemoryStore) LatestAlert(ctx context.Context, key model.AlertKey) (model.AlertRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest model.AlertRecord
		found  bool
	)
	for _, rec := range m.alerts {
		if rec.ProductID != key.ProductID || rec.Reason != key.Reason {
			continue
		}
		if !found || rec.TriggeredAt.After(latest.TriggeredAt) {
			latest = rec
			found = true
		}
	}
	return cloneRecord(latest), found, nil
}

// ListPendingAlerts returns records that still have sinks to retry.
func (m *MemoryStore) ListPendingAlerts(ctx context.Context) ([]model.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.AlertRecord, 0)
	for _, rec := range m.alerts {
		if rec.ResolvedAt == nil {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out, false)
	return out, nil
}

// ListAlerts returns the newest records for a product; empty productID lists all.
func (m *MemoryStore) ListAlerts(ctx context.Context, productID string, limit int) ([]model.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.AlertRecord, 0)
	for _, rec := range m.alerts {
		if productID == "" || rec.ProductID == productID {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out, true)
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRecords(records []model.AlertRecord, newestFirst bool) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.TriggeredAt.Equal(b.TriggeredAt) {
			return a.ID < b.ID
		}
		if newestFirst {
			return a.TriggeredAt.After(b.TriggeredAt)
		}
		return a.TriggeredAt.Before(b.TriggeredAt)
	})
}

func cloneRecord(rec model.AlertRecord) model.AlertRecord {
	out := rec
	if rec.Sinks != nil {
		out.Sinks = append([]model.SinkAttempt(nil), rec.Sinks...)
	}
	if rec.AlertPrice != nil {
		v := *rec.AlertPrice
		out.AlertPrice = &v
	}
	if rec.ResolvedAt != nil {
		v := *rec.ResolvedAt
		out.ResolvedAt = &v
	}
	return out
}

var (
	_ HistoryStore = (*MemoryStore)(nil)
	_ AlertStore   = (*MemoryStore)(nil)
)
