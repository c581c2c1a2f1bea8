package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"price-intel/internal/alerting"
	"price-intel/internal/analytics"
	"price-intel/internal/config"
	"price-intel/internal/deals"
	"price-intel/internal/forecast"
	"price-intel/internal/model"
	"price-intel/internal/recommend"
	"price-intel/internal/scheduler"
	"price-intel/internal/storage"
)

// Deps are the collaborators wired by the application layer. Dispatcher, Scheduler and
// Report are optional.
type Deps struct {
	Store      storage.HistoryStore
	Alerts     storage.AlertStore
	Forecaster *forecast.Forecaster
	Dispatcher *alerting.Dispatcher
	Scheduler  *scheduler.Scheduler
	Report     *scheduler.Cron
}

// Engine is the price intelligence facade: ingestion, queries and the evaluation loop.
type Engine struct {
	store       storage.HistoryStore
	alerts      storage.AlertStore
	calculator  *analytics.Calculator
	detector    *deals.Detector
	forecaster  *forecast.Forecaster
	recommender *recommend.Engine
	dispatcher  *alerting.Dispatcher
	scheduler   *scheduler.Scheduler
	report      *scheduler.Cron
	logger      zerolog.Logger

	clockSkew      time.Duration
	defaultModel   string
	defaultHorizon int
	workers        int
	retryInterval  time.Duration
	locker         storage.AdvisoryLocker
	lockKey        int64
	now            func() time.Time
}

// IngestResult describes what a submitted observation caused.
type IngestResult struct {
	Status   model.IngestStatus
	Snapshot *model.Snapshot
	Deal     deals.Result
	Alerts   []model.AlertRecord
}

// New constructs the engine.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Engine {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}

	calculator := analytics.NewCalculator(analytics.Options{
		Window:  cfg.Engine.VolatilityWindow,
		Epsilon: cfg.Engine.TrendEpsilon,
	})
	recommender := recommend.New(recommend.Options{
		MinConfidence:       cfg.Engine.MinForecastConfidence,
		NearSupportFraction: cfg.Engine.NearSupportFraction,
	})

	return &Engine{
		store:          deps.Store,
		alerts:         deps.Alerts,
		calculator:     calculator,
		detector:       deals.NewDetector(cfg.Engine.MinDiscountFraction),
		forecaster:     deps.Forecaster,
		recommender:    recommender,
		dispatcher:     deps.Dispatcher,
		scheduler:      deps.Scheduler,
		report:         deps.Report,
		logger:         logger.With().Str("component", "engine").Logger(),
		clockSkew:      cfg.Engine.ClockSkewTolerance,
		defaultModel:   cfg.Engine.DefaultModel,
		defaultHorizon: cfg.Engine.DefaultHorizonDays,
		workers:        workers,
		retryInterval:  cfg.Engine.RetryBackoffBase,
		locker:         locker,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run drives the evaluation loop, pending retries and the optional report cron until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if e.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	e.logger.Info().Dur("interval", e.scheduler.Interval()).Bool("report", e.report != nil).Msg("engine started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			_, err := e.EvaluateAll(ctx, bucket)
			return err
		})
	})
	if e.dispatcher != nil && e.retryInterval > 0 {
		g.Go(func() error {
			return e.dispatcher.Run(ctx, e.retryInterval)
		})
	}
	if e.report != nil {
		g.Go(func() error {
			return e.report.Run(ctx, func(ctx context.Context) error {
				_, _, err := e.DailyReport(ctx)
				return err
			})
		})
	}
	return g.Wait()
}

// AddProduct registers or updates a tracked product.
func (e *Engine) AddProduct(ctx context.Context, p model.Product) (model.Product, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return model.Product{}, &model.ValidationError{Field: "product_id", Reason: "must not be empty"}
	}
	if p.AlertPrice != nil && !p.AlertPrice.IsPositive() {
		return model.Product{}, &model.ValidationError{Field: "alert_price", Reason: "must be greater than zero"}
	}
	if p.Currency == "" {
		p.Currency = "INR"
	}
	p.Site = model.ParseSite(string(p.Site))
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}

	if err := e.store.UpsertProduct(ctx, p); err != nil {
		return model.Product{}, fmt.Errorf("save product: %w", err)
	}
	e.logger.Info().Str("product_id", p.ID).Str("site", string(p.Site)).Msg("product tracked")
	return p, nil
}

// RemoveProduct deletes a product with its history and alert records.
func (e *Engine) RemoveProduct(ctx context.Context, productID string) error {
	if err := e.store.DeleteProduct(ctx, productID); err != nil {
		return err
	}
	if e.forecaster != nil {
		e.forecaster.Invalidate(ctx, productID)
	}
	if e.dispatcher != nil {
		e.dispatcher.Forget(productID)
	}
	e.logger.Info().Str("product_id", productID).Msg("product removed")
	return nil
}

// SetAlertPrice sets or, with nil, clears the target price.
func (e *Engine) SetAlertPrice(ctx context.Context, productID string, price *decimal.Decimal) error {
	if price != nil && !price.IsPositive() {
		return &model.ValidationError{Field: "alert_price", Reason: "must be greater than zero"}
	}
	return e.store.SetAlertPrice(ctx, productID, price)
}

// ListProducts returns all tracked products.
func (e *Engine) ListProducts(ctx context.Context) ([]model.Product, error) {
	return e.store.ListProducts(ctx)
}

// SubmitObservation validates and appends one observation, then re-evaluates the product.
// Validation failures return IngestRejected with a *model.ValidationError; store failures
// are returned as errors with no status.
func (e *Engine) SubmitObservation(ctx context.Context, obs model.PriceObservation) (IngestResult, error) {
	obs.Timestamp = obs.Timestamp.UTC().Truncate(time.Microsecond)
	obs.Currency = strings.ToUpper(strings.TrimSpace(obs.Currency))
	obs.Site = model.ParseSite(string(obs.Site))

	if err := e.validate(obs); err != nil {
		return IngestResult{Status: model.IngestRejected}, err
	}

	product, err := e.store.GetProduct(ctx, obs.ProductID)
	if errors.Is(err, model.ErrProductNotFound) {
		return IngestResult{Status: model.IngestRejected}, &model.ValidationError{Field: "product_id", Reason: fmt.Sprintf("unknown product %q", obs.ProductID)}
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("load product: %w", err)
	}

	res, err := e.store.AppendObservation(ctx, obs)
	if errors.Is(err, model.ErrProductNotFound) {
		// removed between lookup and append
		return IngestResult{Status: model.IngestRejected}, &model.ValidationError{Field: "product_id", Reason: fmt.Sprintf("unknown product %q", obs.ProductID)}
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("append observation: %w", err)
	}
	if res == model.AppendDuplicate {
		e.logger.Debug().Str("product_id", obs.ProductID).Time("ts", obs.Timestamp).Msg("duplicate observation ignored")
		return IngestResult{Status: model.IngestDuplicate}, nil
	}

	if e.forecaster != nil {
		e.forecaster.Invalidate(ctx, obs.ProductID)
	}

	out := IngestResult{Status: model.IngestAccepted}
	ev, err := e.evaluate(ctx, product)
	if err != nil {
		// the observation is stored; the next scheduler tick re-evaluates
		e.logger.Error().Err(err).Str("product_id", obs.ProductID).Msg("evaluation after ingest failed")
		return out, nil
	}
	out.Snapshot = &ev.snapshot
	out.Deal = ev.deal
	out.Alerts = e.trigger(ctx, product, ev)

	e.logger.Info().Str("product_id", obs.ProductID).
		Str("price", obs.Price.String()).
		Str("trend", string(ev.snapshot.Trend)).
		Bool("deal", ev.deal.IsDeal).
		Msg("observation recorded")
	return out, nil
}

func (e *Engine) validate(obs model.PriceObservation) error {
	if strings.TrimSpace(obs.ProductID) == "" {
		return &model.ValidationError{Field: "product_id", Reason: "must not be empty"}
	}
	if !obs.Price.IsPositive() {
		return &model.ValidationError{Field: "price", Reason: "must be greater than zero"}
	}
	if obs.Timestamp.IsZero() {
		return &model.ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if obs.Timestamp.After(e.now().Add(e.clockSkew)) {
		return &model.ValidationError{Field: "timestamp", Reason: "is in the future"}
	}
	if obs.Currency == "" {
		return &model.ValidationError{Field: "currency", Reason: "must not be empty"}
	}
	return nil
}

// GetSnapshot recomputes analytics from the full history.
func (e *Engine) GetSnapshot(ctx context.Context, productID string) (model.Snapshot, error) {
	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return model.Snapshot{}, err
	}
	ev, err := e.evaluate(ctx, product)
	if err != nil {
		return model.Snapshot{}, err
	}
	return ev.snapshot, nil
}

// GetForecast projects prices; empty model and non-positive horizon use the configured defaults.
func (e *Engine) GetForecast(ctx context.Context, productID, modelName string, horizon int) (model.Forecast, error) {
	if e.forecaster == nil {
		return model.Forecast{}, fmt.Errorf("forecaster not configured")
	}
	if modelName == "" {
		modelName = e.defaultModel
	}
	if horizon <= 0 {
		horizon = e.defaultHorizon
	}

	if _, err := e.store.GetProduct(ctx, productID); err != nil {
		return model.Forecast{}, err
	}
	history, err := e.store.GetHistory(ctx, productID, nil)
	if err != nil {
		return model.Forecast{}, fmt.Errorf("load history: %w", err)
	}
	return e.forecaster.Forecast(ctx, productID, history, modelName, horizon)
}

// GetRecommendation combines the snapshot with the default forecast.
func (e *Engine) GetRecommendation(ctx context.Context, productID string) (model.Recommendation, error) {
	snap, err := e.GetSnapshot(ctx, productID)
	if model.IsInsufficientHistory(err) {
		return model.Recommendation{ProductID: productID, Action: model.ActionHold, Rationale: "not enough data yet"}, nil
	}
	if err != nil {
		return model.Recommendation{}, err
	}

	var fc *model.Forecast
	f, ferr := e.GetForecast(ctx, productID, "", 0)
	switch {
	case ferr == nil:
		fc = &f
	case errors.Is(ferr, model.ErrStoreUnavailable):
		return model.Recommendation{}, ferr
	}
	return e.recommender.Recommend(snap, fc, ferr), nil
}

// ListDeals evaluates every product and returns current deals, largest discount first.
func (e *Engine) ListDeals(ctx context.Context) ([]model.Deal, error) {
	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	out := make([]model.Deal, 0)
	for _, p := range products {
		ev, err := e.evaluate(ctx, p)
		if model.IsInsufficientHistory(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ev.deal.IsDeal {
			continue
		}
		out = append(out, model.Deal{
			ProductID:        p.ID,
			Reasons:          ev.deal.Reasons,
			Current:          ev.snapshot.Current,
			DiscountAmount:   ev.deal.DiscountAmount,
			DiscountFraction: ev.deal.DiscountFraction,
		})
	}
	SortDeals(out)
	return out, nil
}

// SortDeals orders by discount amount descending, then product ID.
func SortDeals(ds []model.Deal) {
	sort.SliceStable(ds, func(i, j int) bool {
		if c := ds[i].DiscountAmount.Cmp(ds[j].DiscountAmount); c != 0 {
			return c > 0
		}
		return ds[i].ProductID < ds[j].ProductID
	})
}

// ListAlerts returns the alert history, newest first.
func (e *Engine) ListAlerts(ctx context.Context, productID string, limit int) ([]model.AlertRecord, error) {
	if e.alerts == nil {
		return nil, fmt.Errorf("alert store not configured")
	}
	if productID != "" {
		if _, err := e.store.GetProduct(ctx, productID); err != nil {
			return nil, err
		}
	}
	return e.alerts.ListAlerts(ctx, productID, limit)
}

// EvaluationSummary reports one scheduler pass.
type EvaluationSummary struct {
	Products int
	Deals    int
	Alerts   int
	Failed   int
	Skipped  bool
}

// EvaluateAll is the scheduler tick: it advances pending retries and re-evaluates every
// product in parallel. One product failing never aborts the others.
func (e *Engine) EvaluateAll(ctx context.Context, bucket time.Time) (EvaluationSummary, error) {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return EvaluationSummary{}, err
	}
	if !proceed {
		e.logger.Debug().Time("bucket", bucket).Msg("skip evaluation because advisory lock held elsewhere")
		return EvaluationSummary{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	if e.dispatcher != nil {
		if _, err := e.dispatcher.Advance(ctx); err != nil {
			e.logger.Error().Err(err).Msg("advance pending dispatches failed")
		}
	}

	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return EvaluationSummary{}, fmt.Errorf("list products: %w", err)
	}

	type outcome struct {
		deal   bool
		alerts int
		failed bool
	}
	results := make([]outcome, len(products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, p := range products {
		g.Go(func() error {
			ev, err := e.evaluate(gctx, p)
			if model.IsInsufficientHistory(err) {
				return nil
			}
			if err != nil {
				e.logger.Error().Err(err).Str("product_id", p.ID).Msg("evaluate product failed")
				results[i].failed = true
				return nil
			}
			results[i].deal = ev.deal.IsDeal
			results[i].alerts = len(e.trigger(gctx, p, ev))
			return nil
		})
	}
	_ = g.Wait()

	summary := EvaluationSummary{Products: len(products)}
	for _, r := range results {
		if r.deal {
			summary.Deals++
		}
		if r.failed {
			summary.Failed++
		}
		summary.Alerts += r.alerts
	}
	e.logger.Info().Time("bucket", bucket).
		Int("products", summary.Products).
		Int("deals", summary.Deals).
		Int("alerts", summary.Alerts).
		Int("failed", summary.Failed).
		Msg("evaluation pass complete")
	return summary, ctx.Err()
}

// BuildReport assembles the daily summary without sending it.
func (e *Engine) BuildReport(ctx context.Context) (alerting.Report, error) {
	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return alerting.Report{}, fmt.Errorf("list products: %w", err)
	}

	report := alerting.Report{GeneratedAt: e.now(), Lines: make([]alerting.ReportLine, 0, len(products))}
	for _, p := range products {
		line := alerting.ReportLine{
			ProductID:  p.ID,
			Name:       p.DisplayName(),
			URL:        p.URL,
			Currency:   p.Currency,
			AlertPrice: p.AlertPrice,
			Savings:    decimal.Zero,
		}

		latest, ok, err := e.store.LatestObservation(ctx, p.ID)
		if err != nil {
			return alerting.Report{}, fmt.Errorf("latest observation %s: %w", p.ID, err)
		}
		if ok {
			price := latest.Price
			line.Latest = &price
			if p.AlertPrice != nil && price.LessThan(*p.AlertPrice) {
				line.Savings = p.AlertPrice.Sub(price)
			}
		}

		rec, err := e.GetRecommendation(ctx, p.ID)
		if err != nil {
			return alerting.Report{}, err
		}
		line.Action = rec.Action
		line.Rationale = rec.Rationale
		report.Lines = append(report.Lines, line)
	}
	return report, nil
}

// DailyReport builds and sends the summary to every sink, ignoring cooldown.
func (e *Engine) DailyReport(ctx context.Context) (alerting.Report, []model.SinkAttempt, error) {
	if e.dispatcher == nil {
		return alerting.Report{}, nil, fmt.Errorf("dispatcher not configured")
	}
	report, err := e.BuildReport(ctx)
	if err != nil {
		return alerting.Report{}, nil, err
	}
	attempts, err := e.dispatcher.SendReport(ctx, report)
	return report, attempts, err
}

type evaluation struct {
	snapshot model.Snapshot
	latest   model.PriceObservation
	deal     deals.Result
}

// evaluate recomputes analytics from history, so a backfilled observation is always reflected.
func (e *Engine) evaluate(ctx context.Context, product model.Product) (evaluation, error) {
	history, err := e.store.GetHistory(ctx, product.ID, nil)
	if err != nil {
		return evaluation{}, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return evaluation{}, &model.InsufficientHistoryError{ProductID: product.ID, Have: 0, Need: 1}
	}

	snap, err := e.calculator.Compute(history)
	if err != nil {
		return evaluation{}, err
	}
	latest := history[len(history)-1]
	return evaluation{
		snapshot: snap,
		latest:   latest,
		deal:     e.detector.Evaluate(snap, latest.Price, product.AlertPrice),
	}, nil
}

// trigger hands deal reasons to the dispatcher. Dispatch failures are logged, never returned.
func (e *Engine) trigger(ctx context.Context, product model.Product, ev evaluation) []model.AlertRecord {
	if e.dispatcher == nil || !ev.deal.IsDeal {
		return nil
	}

	signals := make([]alerting.Signal, 0, len(ev.deal.Reasons))
	for _, reason := range ev.deal.Reasons {
		sig := alerting.Signal{Reason: reason, Price: ev.latest.Price, AlertPrice: product.AlertPrice}
		switch reason {
		case model.ReasonBelowAlertPrice:
			sig.Reference = *product.AlertPrice
		case model.ReasonHistoricalDiscount:
			sig.Reference = ev.snapshot.HistoricalMax
		}
		signals = append(signals, sig)
	}

	records, err := e.dispatcher.Trigger(ctx, product, signals...)
	if err != nil {
		e.logger.Error().Err(err).Str("product_id", product.ID).Msg("dispatch failed")
	}
	return records
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
