package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-intel/internal/alerting"
	"price-intel/internal/config"
	"price-intel/internal/forecast"
	"price-intel/internal/model"
	"price-intel/internal/storage"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu       sync.Mutex
	messages []alerting.Message
}

func (s *recordingSink) ID() string { return "telegram" }

func (s *recordingSink) Send(ctx context.Context, msg alerting.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Hour, Workers: 4},
		Engine: config.EngineConfig{
			CooldownWindow:           24 * time.Hour,
			MinDiscountFraction:      0.05,
			VolatilityWindow:         30 * 24 * time.Hour,
			ForecastMinHistoryPoints: 5,
			MaxRetryAttempts:         3,
			RetryBackoffBase:         30 * time.Second,
			TrendEpsilon:             0.01,
			ClockSkewTolerance:       5 * time.Minute,
			NearSupportFraction:      0.02,
			MinForecastConfidence:    0.5,
			ForecastTimeout:          5 * time.Second,
			DispatchTimeout:          time.Second,
			DefaultModel:             forecast.LinearRegression,
			DefaultHorizonDays:       7,
			MaxHorizonDays:           30,
		},
	}
}

type harness struct {
	engine *Engine
	store  *storage.MemoryStore
	sink   *recordingSink
	clock  *stepClock
}

func newHarness(t *testing.T, store storage.HistoryStore) *harness {
	t.Helper()
	cfg := testConfig()
	mem := storage.NewMemoryStore()
	if store == nil {
		store = mem
	}

	clock := &stepClock{t: now}
	sink := &recordingSink{}
	fc := forecast.New(forecast.Options{MinPoints: cfg.Engine.ForecastMinHistoryPoints, MaxHorizon: cfg.Engine.MaxHorizonDays, Timeout: cfg.Engine.ForecastTimeout},
		forecast.NewMemoryCache(), zerolog.Nop(), forecast.NewLinear(), forecast.NewForest(forecast.ForestOptions{Trees: 10}))
	disp := alerting.NewDispatcher(alerting.Options{
		Cooldown:    cfg.Engine.CooldownWindow,
		MaxAttempts: cfg.Engine.MaxRetryAttempts,
		BackoffBase: cfg.Engine.RetryBackoffBase,
		SendTimeout: cfg.Engine.DispatchTimeout,
	}, []alerting.Sink{sink}, mem, store, clock, zerolog.Nop())

	e := New(cfg, Deps{Store: store, Alerts: mem, Forecaster: fc, Dispatcher: disp}, zerolog.Nop())
	e.now = clock.Now
	return &harness{engine: e, store: mem, sink: sink, clock: clock}
}

func (h *harness) addProduct(t *testing.T, id string, alert string) {
	t.Helper()
	p := model.Product{ID: id, Name: "Product " + id, URL: "https://example.com/" + id, Site: model.SiteFlipkart}
	if alert != "" {
		a := decimal.RequireFromString(alert)
		p.AlertPrice = &a
	}
	if _, err := h.engine.AddProduct(context.Background(), p); err != nil {
		t.Fatalf("add product: %v", err)
	}
}

func (h *harness) submit(t *testing.T, id string, at time.Time, price string) IngestResult {
	t.Helper()
	res, err := h.engine.SubmitObservation(context.Background(), model.PriceObservation{
		ProductID: id, Timestamp: at, Price: decimal.RequireFromString(price), Currency: "inr", Site: model.SiteFlipkart,
	})
	if err != nil {
		t.Fatalf("submit %s@%s: %v", price, at, err)
	}
	return res
}

func daysAgo(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

func TestSubmitObservationRejects(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")

	cases := []struct {
		name  string
		obs   model.PriceObservation
		field string
	}{
		{"zero price", model.PriceObservation{ProductID: "p1", Timestamp: now, Price: decimal.Zero, Currency: "INR"}, "price"},
		{"negative price", model.PriceObservation{ProductID: "p1", Timestamp: now, Price: decimal.NewFromInt(-5), Currency: "INR"}, "price"},
		{"future", model.PriceObservation{ProductID: "p1", Timestamp: now.Add(time.Hour), Price: decimal.NewFromInt(5), Currency: "INR"}, "timestamp"},
		{"no currency", model.PriceObservation{ProductID: "p1", Timestamp: now, Price: decimal.NewFromInt(5)}, "currency"},
		{"unknown product", model.PriceObservation{ProductID: "nope", Timestamp: now, Price: decimal.NewFromInt(5), Currency: "INR"}, "product_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.engine.SubmitObservation(context.Background(), tc.obs)
			if res.Status != model.IngestRejected {
				t.Fatalf("status = %s, want rejected", res.Status)
			}
			var verr *model.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected ValidationError on %s, got %v", tc.field, err)
			}
		})
	}

	// within clock skew is fine
	if res := h.submit(t, "p1", now.Add(2*time.Minute), "10"); res.Status != model.IngestAccepted {
		t.Fatalf("skewed timestamp should be accepted: %s", res.Status)
	}
}

func TestSubmitObservationIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")

	first := h.submit(t, "p1", daysAgo(1), "499")
	second := h.submit(t, "p1", daysAgo(1), "499")
	if first.Status != model.IngestAccepted || second.Status != model.IngestDuplicate {
		t.Fatalf("statuses = %s, %s", first.Status, second.Status)
	}
	history, _ := h.store.GetHistory(context.Background(), "p1", nil)
	if len(history) != 1 {
		t.Fatalf("重复提交不应改变历史长度: %d", len(history))
	}
	if history[0].Currency != "INR" {
		t.Fatalf("currency should be normalised, got %q", history[0].Currency)
	}
}

func TestDealTriggersAlertOnceWithinCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")

	h.submit(t, "p1", daysAgo(3), "100")
	res := h.submit(t, "p1", daysAgo(2), "96")
	if res.Deal.IsDeal {
		t.Fatalf("4%% off should not be a deal: %+v", res.Deal)
	}

	res = h.submit(t, "p1", daysAgo(1), "94")
	if !res.Deal.Has(model.ReasonHistoricalDiscount) || len(res.Alerts) != 1 {
		t.Fatalf("6%% off should alert: %+v", res)
	}
	if res.Alerts[0].Status != model.AlertDelivered {
		t.Fatalf("alert status = %s", res.Alerts[0].Status)
	}
	if !res.Alerts[0].Savings().Equal(decimal.NewFromInt(6)) {
		t.Fatalf("savings = %s, want 6", res.Alerts[0].Savings())
	}

	h.clock.Advance(time.Hour)
	res = h.submit(t, "p1", daysAgo(1).Add(time.Hour), "93")
	if len(res.Alerts) != 0 {
		t.Fatalf("cooldown should suppress the repeat: %+v", res.Alerts)
	}
	if h.sink.count() != 1 {
		t.Fatalf("sink messages = %d, want 1", h.sink.count())
	}

	h.clock.Advance(24 * time.Hour)
	res = h.submit(t, "p1", daysAgo(1).Add(2*time.Hour), "92")
	if len(res.Alerts) != 1 {
		t.Fatalf("after cooldown a fresh cycle should start: %+v", res.Alerts)
	}
}

func TestBelowAlertPrice(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "500")

	res := h.submit(t, "p1", daysAgo(1), "499")
	if !res.Deal.Has(model.ReasonBelowAlertPrice) || len(res.Alerts) != 1 {
		t.Fatalf("below alert price should alert: %+v", res)
	}
	payload, ok := h.sink.messages[0].(alerting.Payload)
	if !ok {
		t.Fatalf("unexpected message type %T", h.sink.messages[0])
	}
	if payload.ProductName != "Product p1" || !payload.Savings.Equal(decimal.NewFromInt(1)) || payload.URL == "" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestBackfillRecomputesSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")

	h.submit(t, "p1", daysAgo(1), "100")
	h.submit(t, "p1", daysAgo(5), "200")

	snap, err := h.engine.GetSnapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.HistoricalMax.Equal(decimal.NewFromInt(200)) || !snap.Current.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("backfill not reflected: %+v", snap)
	}
	if snap.Points != 2 {
		t.Fatalf("points = %d", snap.Points)
	}
}

func TestSnapshotAndForecastErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")
	ctx := context.Background()

	if _, err := h.engine.GetSnapshot(ctx, "p1"); !model.IsInsufficientHistory(err) {
		t.Fatalf("empty history should be insufficient, got %v", err)
	}
	if _, err := h.engine.GetSnapshot(ctx, "ghost"); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("unknown product: %v", err)
	}

	h.submit(t, "p1", daysAgo(2), "100")
	h.submit(t, "p1", daysAgo(1), "101")

	_, err := h.engine.GetForecast(ctx, "p1", "", 0)
	var ierr *model.InsufficientHistoryError
	if !errors.As(err, &ierr) || ierr.Have != 2 || ierr.Need != 5 {
		t.Fatalf("expected insufficient history 2/5, got %v", err)
	}

	rec, err := h.engine.GetRecommendation(ctx, "p1")
	if err != nil {
		t.Fatalf("recommendation: %v", err)
	}
	if rec.Action != model.ActionHold || !strings.Contains(rec.Rationale, "not enough data yet") {
		t.Fatalf("recommendation = %+v", rec)
	}
}

func TestForecastCacheInvalidatedOnAppend(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")
	ctx := context.Background()

	for i := 10; i >= 1; i-- {
		h.submit(t, "p1", daysAgo(i), fmt.Sprintf("%d", 200-i))
	}
	first, err := h.engine.GetForecast(ctx, "p1", forecast.LinearRegression, 3)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}

	h.submit(t, "p1", now.Add(-time.Hour), "150")
	second, err := h.engine.GetForecast(ctx, "p1", forecast.LinearRegression, 3)
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if !second.LatestAt.After(first.LatestAt) {
		t.Fatalf("stale forecast served after append: %s vs %s", second.LatestAt, first.LatestAt)
	}
	if second.Points[0].Price.Equal(first.Points[0].Price) {
		t.Fatal("new observation should change the projection")
	}
}

func TestRecommendationBuyOnUptrend(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")

	for i := 10; i >= 1; i-- {
		h.submit(t, "p1", daysAgo(i), fmt.Sprintf("%d", 200-5*i))
	}
	rec, err := h.engine.GetRecommendation(context.Background(), "p1")
	if err != nil {
		t.Fatalf("recommendation: %v", err)
	}
	if rec.Action != model.ActionBuyNow {
		t.Fatalf("steady rise should be buy_now, got %+v", rec)
	}
}

func TestRecommendationWaitOnSteadyDecline(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "")

	for i := 10; i >= 1; i-- {
		h.submit(t, "p1", daysAgo(i), fmt.Sprintf("%d", 150+5*i))
	}
	snap, err := h.engine.GetSnapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Trend != model.TrendDown || !snap.Current.Equal(snap.Support) {
		t.Fatalf("expected a down trend sitting on support, got %+v", snap)
	}

	rec, err := h.engine.GetRecommendation(context.Background(), "p1")
	if err != nil {
		t.Fatalf("recommendation: %v", err)
	}
	if rec.Action != model.ActionWait {
		t.Fatalf("steady decline should be wait, got %+v", rec)
	}
}

func TestListDealsOrdering(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.addProduct(t, id, "")
	}
	// discount amounts: a=10, b=30, c=30, d=0
	h.submit(t, "a", daysAgo(2), "100")
	h.submit(t, "a", daysAgo(1), "90")
	h.submit(t, "b", daysAgo(2), "300")
	h.submit(t, "b", daysAgo(1), "270")
	h.submit(t, "c", daysAgo(2), "100")
	h.submit(t, "c", daysAgo(1), "70")
	h.submit(t, "d", daysAgo(1), "50")

	got, err := h.engine.ListDeals(context.Background())
	if err != nil {
		t.Fatalf("list deals: %v", err)
	}
	order := make([]string, len(got))
	for i, d := range got {
		order[i] = d.ProductID
	}
	if strings.Join(order, ",") != "b,c,a" {
		t.Fatalf("deal order = %v", order)
	}
}

func TestEvaluateAllAndDailyReport(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("p%d", i)
		h.addProduct(t, id, "")
		if i == 5 {
			continue
		}
		_, _ = h.store.AppendObservation(ctx, model.PriceObservation{ProductID: id, Timestamp: daysAgo(2), Price: decimal.NewFromInt(100), Currency: "INR"})
		_, _ = h.store.AppendObservation(ctx, model.PriceObservation{ProductID: id, Timestamp: daysAgo(1), Price: decimal.NewFromInt(int64(80 + 5*i)), Currency: "INR"})
	}

	summary, err := h.engine.EvaluateAll(ctx, now)
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	// 80, 85, 90, 95 are at least 5% off; 100 is not
	if summary.Products != 6 || summary.Deals != 4 || summary.Alerts != 4 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	again, _ := h.engine.EvaluateAll(ctx, now.Add(time.Hour))
	if again.Alerts != 0 {
		t.Fatalf("second pass inside cooldown should not alert: %+v", again)
	}

	before := h.sink.count()
	report, attempts, err := h.engine.DailyReport(ctx)
	if err != nil {
		t.Fatalf("daily report: %v", err)
	}
	if len(report.Lines) != 6 || len(attempts) != 1 || !attempts[0].Succeeded {
		t.Fatalf("report lines=%d attempts=%+v", len(report.Lines), attempts)
	}
	if h.sink.count() != before+1 {
		t.Fatal("report should bypass cooldown and be sent")
	}
	if report.Lines[5].Latest != nil || report.Lines[5].Rationale != "not enough data yet" {
		t.Fatalf("product without data: %+v", report.Lines[5])
	}
}

func TestRemoveProductCascades(t *testing.T) {
	h := newHarness(t, nil)
	h.addProduct(t, "p1", "500")
	h.submit(t, "p1", daysAgo(1), "450")
	ctx := context.Background()

	if err := h.engine.RemoveProduct(ctx, "p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.engine.GetSnapshot(ctx, "p1"); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("snapshot after remove: %v", err)
	}
	alerts, _ := h.store.ListAlerts(ctx, "p1", 10)
	if len(alerts) != 0 {
		t.Fatalf("alerts should cascade: %+v", alerts)
	}
	if err := h.engine.RemoveProduct(ctx, "p1"); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

type unavailableStore struct {
	*storage.MemoryStore
}

func (s unavailableStore) AppendObservation(ctx context.Context, obs model.PriceObservation) (model.AppendResult, error) {
	return model.AppendAccepted, fmt.Errorf("%w: connection refused", model.ErrStoreUnavailable)
}

func TestStoreUnavailablePropagates(t *testing.T) {
	broken := unavailableStore{MemoryStore: storage.NewMemoryStore()}
	_ = broken.UpsertProduct(context.Background(), model.Product{ID: "p1", Currency: "INR"})
	h := newHarness(t, broken)

	res, err := h.engine.SubmitObservation(context.Background(), model.PriceObservation{
		ProductID: "p1", Timestamp: daysAgo(1), Price: decimal.NewFromInt(10), Currency: "INR",
	})
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if res.Status != "" {
		t.Fatalf("store failure is not a rejection: %s", res.Status)
	}
}
