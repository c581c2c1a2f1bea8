package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

// defaultMaxHorizon caps horizon_days when Options.MaxHorizon is unset.
const defaultMaxHorizon = 365

// maxRelativeError is the in-sample RMSE, as a fraction of mean price, at which confidence reaches zero.
const maxRelativeError = 0.10

// Options configure the Forecaster.
type Options struct {
	MinPoints  int
	MaxHorizon int
	Timeout    time.Duration
	// Floor is the lowest acceptable predicted price; anything below fails the forecast.
	Floor float64
}

// Forecaster runs registered strategies against a product history.
type Forecaster struct {
	opts       Options
	strategies map[string]Strategy
	cache      Cache
	now        func() time.Time
	logger     zerolog.Logger
}

// New constructs a Forecaster. A nil cache disables caching.
func New(opts Options, cache Cache, logger zerolog.Logger, strategies ...Strategy) *Forecaster {
	if opts.MinPoints < 2 {
		opts.MinPoints = 2
	}
	if opts.MaxHorizon <= 0 {
		opts.MaxHorizon = defaultMaxHorizon
	}
	f := &Forecaster{
		opts:       opts,
		strategies: make(map[string]Strategy, len(strategies)),
		cache:      cache,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "forecaster").Logger(),
	}
	for _, s := range strategies {
		f.Register(s)
	}
	return f
}

// Register adds or replaces a strategy under its name.
func (f *Forecaster) Register(s Strategy) {
	f.strategies[s.Name()] = s
}

// Models lists registered strategy names.
func (f *Forecaster) Models() []string {
	names := make([]string, 0, len(f.strategies))
	for name := range f.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidate drops cached forecasts for a product.
func (f *Forecaster) Invalidate(ctx context.Context, productID string) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Invalidate(ctx, productID); err != nil {
		f.logger.Warn().Err(err).Str("product_id", productID).Msg("forecast cache invalidation failed")
	}
}

// Forecast predicts horizon days of prices for productID from its ordered history.
func (f *Forecaster) Forecast(ctx context.Context, productID string, history []model.PriceObservation, modelName string, horizon int) (model.Forecast, error) {
	if horizon <= 0 {
		return model.Forecast{}, &model.ValidationError{Field: "horizon_days", Reason: "must be greater than zero"}
	}
	if horizon > f.opts.MaxHorizon {
		return model.Forecast{}, &model.ValidationError{Field: "horizon_days", Reason: fmt.Sprintf("must not exceed %d", f.opts.MaxHorizon)}
	}
	strategy, ok := f.strategies[modelName]
	if !ok {
		return model.Forecast{}, fmt.Errorf("%w: %s (available: %s)", model.ErrUnknownModel, modelName, strings.Join(f.Models(), ", "))
	}
	if len(history) < f.opts.MinPoints {
		return model.Forecast{}, &model.InsufficientHistoryError{ProductID: productID, Have: len(history), Need: f.opts.MinPoints}
	}

	latest := history[len(history)-1].Timestamp
	key := Key{ProductID: productID, Model: modelName, Horizon: horizon, LatestAt: latest, Points: len(history)}
	if cached, hit := f.lookup(ctx, key); hit {
		return cached, nil
	}

	prices, residuals, err := f.run(ctx, strategy, history, horizon)
	if err != nil {
		return model.Forecast{}, err
	}

	points := make([]model.ForecastPoint, len(prices))
	for i, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return model.Forecast{}, &model.ForecastError{Model: modelName, Reason: fmt.Sprintf("non-finite prediction on day %d", i+1)}
		}
		if p < f.opts.Floor {
			return model.Forecast{}, &model.ForecastError{Model: modelName, Reason: fmt.Sprintf("predicted price %.2f below floor %.2f on day %d", p, f.opts.Floor, i+1)}
		}
		points[i] = model.ForecastPoint{DayOffset: i + 1, Price: decimal.NewFromFloat(p).Round(2)}
	}

	rmse := RMSE(residuals)
	score := Confidence(rmse, meanPrice(history))
	out := model.Forecast{
		ProductID:       productID,
		Model:           modelName,
		HorizonDays:     horizon,
		Points:          points,
		Confidence:      score,
		ConfidenceLevel: Level(score),
		RMSE:            rmse,
		GeneratedAt:     f.now(),
		LatestAt:        latest,
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, key, out); err != nil {
			f.logger.Warn().Err(err).Str("product_id", productID).Msg("forecast cache write failed")
		}
	}
	return out, nil
}

func (f *Forecaster) lookup(ctx context.Context, key Key) (model.Forecast, bool) {
	if f.cache == nil {
		return model.Forecast{}, false
	}
	cached, hit, err := f.cache.Get(ctx, key)
	if err != nil {
		f.logger.Warn().Err(err).Str("product_id", key.ProductID).Msg("forecast cache read failed")
		return model.Forecast{}, false
	}
	return cached, hit
}

type fitResult struct {
	prices    []float64
	residuals []float64
	err       error
}

// run fits and predicts under the configured timeout.
func (f *Forecaster) run(ctx context.Context, strategy Strategy, history []model.PriceObservation, horizon int) ([]float64, []float64, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	done := make(chan fitResult, 1)
	go func() {
		m, err := strategy.Fit(history)
		if err != nil {
			done <- fitResult{err: err}
			return
		}
		prices, err := m.Predict(horizon)
		done <- fitResult{prices: prices, residuals: m.Residuals(), err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, &model.ForecastError{Model: strategy.Name(), Reason: "timed out", Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return nil, nil, &model.ForecastError{Model: strategy.Name(), Reason: "fit failed", Err: res.err}
		}
		if len(res.prices) != horizon {
			return nil, nil, &model.ForecastError{Model: strategy.Name(), Reason: fmt.Sprintf("returned %d points for horizon %d", len(res.prices), horizon)}
		}
		return res.prices, res.residuals, nil
	}
}

// RMSE is the root mean square of residuals.
func RMSE(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	var ss float64
	for _, r := range residuals {
		ss += r * r
	}
	return math.Sqrt(ss / float64(len(residuals)))
}

// Confidence maps relative in-sample error to [0,1].
func Confidence(rmse, mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	rel := rmse / mean / maxRelativeError
	if rel > 1 {
		rel = 1
	}
	return 1 - rel
}

// Level buckets a confidence score.
func Level(score float64) model.ConfidenceLevel {
	switch {
	case score >= 0.8:
		return model.ConfidenceHigh
	case score >= 0.5:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func meanPrice(history []model.PriceObservation) float64 {
	var sum float64
	for _, o := range history {
		sum += o.Price.InexactFloat64()
	}
	return sum / float64(len(history))
}
