package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-intel/internal/config"
	"price-intel/internal/forecast"
	"price-intel/internal/model"
	"price-intel/internal/service"
	"price-intel/internal/storage"
)

type fixture struct {
	mux    *http.ServeMux
	engine *service.Engine
}

func setup(t *testing.T, store storage.HistoryStore) fixture {
	t.Helper()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Hour, Workers: 2},
		Engine: config.EngineConfig{
			MinDiscountFraction:      0.05,
			VolatilityWindow:         30 * 24 * time.Hour,
			ForecastMinHistoryPoints: 5,
			TrendEpsilon:             0.01,
			ClockSkewTolerance:       5 * time.Minute,
			NearSupportFraction:      0.02,
			MinForecastConfidence:    0.5,
			DefaultModel:             forecast.LinearRegression,
			DefaultHorizonDays:       7,
			MaxHorizonDays:           30,
		},
	}
	fc := forecast.New(forecast.Options{MinPoints: 5, MaxHorizon: cfg.Engine.MaxHorizonDays, Timeout: 5 * time.Second}, forecast.NewMemoryCache(), zerolog.Nop(),
		forecast.NewLinear(), forecast.NewForest(forecast.ForestOptions{Trees: 10}))
	engine := service.New(cfg, service.Deps{Store: store, Forecaster: fc}, zerolog.Nop())

	if _, err := engine.AddProduct(context.Background(), model.Product{ID: "p1", Name: "Headphones"}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	return fixture{mux: New(engine, zerolog.Nop()).Routes(), engine: engine}
}

func (f fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f fixture) seed(t *testing.T, prices ...int) {
	t.Helper()
	start := time.Now().UTC().Add(-time.Duration(len(prices)+1) * 24 * time.Hour)
	for i, p := range prices {
		_, err := f.engine.SubmitObservation(context.Background(), model.PriceObservation{
			ProductID: "p1",
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Price:     decimal.NewFromInt(int64(p)),
			Currency:  "INR",
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestPostObservation(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())
	ts := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)

	w := f.do(http.MethodPost, "/observations", map[string]interface{}{
		"product_id": "p1", "timestamp": ts, "price": "1499.00", "currency": "inr",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body)
	}
	var resp ingestResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != model.IngestAccepted || resp.Snapshot == nil || resp.Snapshot.Points != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	w = f.do(http.MethodPost, "/observations", map[string]interface{}{
		"product_id": "p1", "timestamp": ts, "price": "1499.00", "currency": "INR",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate should be 200, got %d", w.Code)
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != model.IngestDuplicate {
		t.Fatalf("status = %s", resp.Status)
	}
}

func TestPostObservationRejected(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())

	cases := []struct {
		name string
		body interface{}
	}{
		{"negative price", map[string]interface{}{"product_id": "p1", "timestamp": time.Now().UTC(), "price": -1, "currency": "INR"}},
		{"unknown product", map[string]interface{}{"product_id": "zz", "timestamp": time.Now().UTC(), "price": 10, "currency": "INR"}},
		{"future", map[string]interface{}{"product_id": "p1", "timestamp": time.Now().UTC().Add(time.Hour), "price": 10, "currency": "INR"}},
		{"garbage", "not an object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/observations", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", w.Code)
			}
			var resp ingestResponse
			_ = json.NewDecoder(w.Body).Decode(&resp)
			if resp.Status != model.IngestRejected || resp.Error == "" {
				t.Fatalf("unexpected response: %+v", resp)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())
	w := f.do(http.MethodGet, "/observations", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected status 405, got %d", w.Code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())

	w := f.do(http.MethodGet, "/products/p1/snapshot", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty history should be 422, got %d", w.Code)
	}
	var e errorResponse
	_ = json.NewDecoder(w.Body).Decode(&e)
	if e.Error != "not enough data yet" {
		t.Fatalf("error = %q", e.Error)
	}

	if w := f.do(http.MethodGet, "/products/ghost/snapshot", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown product should be 404, got %d", w.Code)
	}

	f.seed(t, 100, 90)
	w = f.do(http.MethodGet, "/products/p1/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var snap snapshotResponse
	_ = json.NewDecoder(w.Body).Decode(&snap)
	if !snap.HistoricalMax.Equal(decimal.NewFromInt(100)) || !snap.Current.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestForecastEndpoint(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())

	f.seed(t, 100, 101)
	w := f.do(http.MethodGet, "/products/p1/forecast", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("two points should be 422, got %d", w.Code)
	}

	f.seed(t, 100, 102, 104, 106, 108)
	w = f.do(http.MethodGet, "/products/p1/forecast?model=linear_regression&horizon=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body)
	}
	var fc model.Forecast
	_ = json.NewDecoder(w.Body).Decode(&fc)
	if len(fc.Points) != 3 || fc.HorizonDays != 3 {
		t.Fatalf("forecast = %+v", fc)
	}

	w = f.do(http.MethodGet, "/products/p1/forecast?model=prophet", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown model should be 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "random_forest") {
		t.Fatalf("unknown model error should list available models: %s", w.Body)
	}
	if w := f.do(http.MethodGet, "/products/p1/forecast?horizon=-2", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad horizon should be 400, got %d", w.Code)
	}
}

func TestForecastHorizonCapped(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())
	f.seed(t, 100, 102, 104, 106, 108, 110)

	for _, horizon := range []string{"31", "4611686018427387904"} {
		w := f.do(http.MethodGet, "/products/p1/forecast?horizon="+horizon, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("horizon %s: expected 400, got %d: %s", horizon, w.Code, w.Body)
		}
	}
	if w := f.do(http.MethodGet, "/products/p1/forecast?horizon=30", nil); w.Code != http.StatusOK {
		t.Fatalf("horizon at the cap should be 200, got %d: %s", w.Code, w.Body)
	}
}

func TestRecommendationEndpoint(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())
	w := f.do(http.MethodGet, "/products/p1/recommendation", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var rec model.Recommendation
	_ = json.NewDecoder(w.Body).Decode(&rec)
	if rec.Action != model.ActionHold || rec.Rationale != "not enough data yet" {
		t.Fatalf("recommendation = %+v", rec)
	}
}

func TestDealsEndpoint(t *testing.T) {
	f := setup(t, storage.NewMemoryStore())
	f.seed(t, 200, 150)

	w := f.do(http.MethodGet, "/deals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var got []dealResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 1 || got[0].ProductID != "p1" || !got[0].DiscountAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("deals = %+v", got)
	}
}

type downStore struct {
	*storage.MemoryStore
}

func (downStore) GetHistory(ctx context.Context, productID string, since *time.Time) ([]model.PriceObservation, error) {
	return nil, fmt.Errorf("%w: timeout", model.ErrStoreUnavailable)
}

func TestStoreUnavailableIs503(t *testing.T) {
	f := setup(t, downStore{MemoryStore: storage.NewMemoryStore()})
	for _, path := range []string{"/products/p1/snapshot", "/products/p1/recommendation", "/deals"} {
		if w := f.do(http.MethodGet, path, nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: Expected status 503, got %d", path, w.Code)
		}
	}
}
