package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.UpsertProduct(context.Background(), model.Product{ID: "p1", Name: "Kettle", URL: "https://example.com/k", Site: model.SiteAmazon, Currency: "INR"}); err != nil {
		t.Fatal(err)
	}
	return store
}

func obs(id string, offset time.Duration, price int64) model.PriceObservation {
	return model.PriceObservation{ProductID: id, Timestamp: t0.Add(offset), Price: decimal.NewFromInt(price), Currency: "INR", Site: model.SiteAmazon}
}

func TestAppendObservationIdempotent(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)

	res, err := store.AppendObservation(ctx, obs("p1", 0, 100))
	if err != nil || res != model.AppendAccepted {
		t.Fatalf("first append: %v %v", res, err)
	}
	res, err = store.AppendObservation(ctx, obs("p1", 0, 100))
	if err != nil || res != model.AppendDuplicate {
		t.Fatalf("second append should be duplicate: %v %v", res, err)
	}

	history, _ := store.GetHistory(ctx, "p1", nil)
	if len(history) != 1 {
		t.Fatalf("重复提交不应改变历史长度, got %d", len(history))
	}
}

func TestAppendKeepsTimestampOrder(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)

	for _, o := range []model.PriceObservation{obs("p1", 2*time.Hour, 3), obs("p1", 0, 1), obs("p1", time.Hour, 2)} {
		if _, err := store.AppendObservation(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	history, _ := store.GetHistory(ctx, "p1", nil)
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if !history[1].Price.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("backfilled observation not placed in order: %v", history)
	}

	since := t0.Add(time.Hour)
	tail, _ := store.GetHistory(ctx, "p1", &since)
	if len(tail) != 2 {
		t.Fatalf("since filter returned %d points", len(tail))
	}

	latest, ok, _ := store.LatestObservation(ctx, "p1")
	if !ok || !latest.Price.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("latest = %v", latest)
	}
}

func TestAppendUnknownProduct(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.AppendObservation(context.Background(), obs("nope", 0, 1)); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestConcurrentAppendsSameTimestamp(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.AppendObservation(ctx, obs("p1", 0, 100))
			if err != nil {
				t.Error(err)
				return
			}
			if res == model.AppendAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("exactly one append should win, got %d", accepted)
	}
}

func TestDeleteProductCascades(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	_, _ = store.AppendObservation(ctx, obs("p1", 0, 100))
	_ = store.SaveAlert(ctx, model.AlertRecord{ID: "a1", ProductID: "p1", Reason: model.ReasonHistoricalDiscount, TriggeredAt: t0, Status: model.AlertDelivered})

	if err := store.DeleteProduct(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetProduct(ctx, "p1"); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("product should be gone: %v", err)
	}
	history, _ := store.GetHistory(ctx, "p1", nil)
	alerts, _ := store.ListAlerts(ctx, "p1", 0)
	if len(history) != 0 || len(alerts) != 0 {
		t.Fatalf("cascade failed: %d history, %d alerts", len(history), len(alerts))
	}
}

func TestSetAlertPrice(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)

	price := decimal.NewFromInt(499)
	if err := store.SetAlertPrice(ctx, "p1", &price); err != nil {
		t.Fatal(err)
	}
	p, _ := store.GetProduct(ctx, "p1")
	if p.AlertPrice == nil || !p.AlertPrice.Equal(price) {
		t.Fatalf("alert price = %v", p.AlertPrice)
	}
	if err := store.SetAlertPrice(ctx, "p1", nil); err != nil {
		t.Fatal(err)
	}
	p, _ = store.GetProduct(ctx, "p1")
	if p.AlertPrice != nil {
		t.Fatal("alert price should be cleared")
	}
	if err := store.SetAlertPrice(ctx, "missing", &price); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAlertQueries(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	key := model.AlertKey{ProductID: "p1", Reason: model.ReasonBelowAlertPrice}

	resolved := t0.Add(time.Minute)
	_ = store.SaveAlert(ctx, model.AlertRecord{ID: "old", ProductID: "p1", Reason: key.Reason, TriggeredAt: t0, Status: model.AlertDelivered, ResolvedAt: &resolved})
	_ = store.SaveAlert(ctx, model.AlertRecord{ID: "new", ProductID: "p1", Reason: key.Reason, TriggeredAt: t0.Add(time.Hour), Status: model.AlertPending,
		Sinks: []model.SinkAttempt{{SinkID: "telegram", Attempts: 1}}})

	latest, ok, err := store.LatestAlert(ctx, key)
	if err != nil || !ok || latest.ID != "new" {
		t.Fatalf("latest alert = %+v %v %v", latest, ok, err)
	}

	latest.Sinks[0].Attempts = 99
	again, _, _ := store.LatestAlert(ctx, key)
	if again.Sinks[0].Attempts != 1 {
		t.Fatal("stored record must not alias caller slices")
	}

	pending, _ := store.ListPendingAlerts(ctx)
	if len(pending) != 1 || pending[0].ID != "new" {
		t.Fatalf("pending = %+v", pending)
	}

	all, _ := store.ListAlerts(ctx, "", 1)
	if len(all) != 1 || all[0].ID != "new" {
		t.Fatalf("limit/newest-first broken: %+v", all)
	}
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.GetHistory(context.Background(), "p1", nil); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("nil store should report unavailable, got %v", err)
	}
}

func TestSaveAlertUnknownProduct(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)

	err := store.SaveAlert(ctx, model.AlertRecord{ID: "a1", ProductID: "ghost", Reason: model.ReasonHistoricalDiscount, TriggeredAt: t0})
	if !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if recs, _ := store.ListAlerts(ctx, "", 0); len(recs) != 0 {
		t.Fatalf("orphan record stored: %+v", recs)
	}
}

func TestListAlertsDefaultLimit(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	for i := 0; i < DefaultAlertLimit+5; i++ {
		rec := model.AlertRecord{ID: fmt.Sprintf("a%d", i), ProductID: "p1", Reason: model.ReasonHistoricalDiscount, TriggeredAt: t0.Add(time.Duration(i) * time.Minute)}
		if err := store.SaveAlert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := store.ListAlerts(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != DefaultAlertLimit {
		t.Fatalf("limit<=0 should cap at %d, got %d", DefaultAlertLimit, len(recs))
	}
	if recs[0].ID != fmt.Sprintf("a%d", DefaultAlertLimit+4) {
		t.Fatalf("newest first expected, got %s", recs[0].ID)
	}
}
