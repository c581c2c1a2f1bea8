// Package analytics derives trend, volatility and price bands from a product's history.
// Everything here is a pure function of the observations passed in.
package analytics

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

const day = 24 * time.Hour

// ErrEmptyHistory is returned when no observation is available.
var ErrEmptyHistory = errors.New("analytics: empty history")

// Options tune the calculator.
type Options struct {
	// Window limits trend, volatility and bands to the trailing span ending at the
	// latest observation. Zero uses the full history.
	Window time.Duration
	// Epsilon is the relative slope (per day, as a fraction of mean price) below which the trend is flat.
	Epsilon float64
}

// Calculator computes snapshots.
type Calculator struct {
	opts Options
}

// NewCalculator constructs a Calculator.
func NewCalculator(opts Options) *Calculator {
	if opts.Epsilon < 0 {
		opts.Epsilon = 0
	}
	return &Calculator{opts: opts}
}

// Compute derives a snapshot from history ordered by timestamp.
func (c *Calculator) Compute(history []model.PriceObservation) (model.Snapshot, error) {
	if len(history) == 0 {
		return model.Snapshot{}, ErrEmptyHistory
	}

	latest := history[len(history)-1]
	snap := model.Snapshot{
		ProductID:     latest.ProductID,
		Trend:         model.TrendFlat,
		Current:       latest.Price,
		LatestAt:      latest.Timestamp,
		Points:        len(history),
		HistoricalMax: history[0].Price,
		HistoricalMin: history[0].Price,
	}
	for _, o := range history[1:] {
		if o.Price.GreaterThan(snap.HistoricalMax) {
			snap.HistoricalMax = o.Price
		}
		if o.Price.LessThan(snap.HistoricalMin) {
			snap.HistoricalMin = o.Price
		}
	}

	window := WindowOf(history, c.opts.Window)
	snap.WindowPoints = len(window)
	snap.Support, snap.Resistance = Bands(window)

	xs, ys := Series(window)
	snap.Mean = mean(ys)
	snap.Volatility = CoefficientOfVariation(ys)

	if len(window) > 1 {
		slope, _ := LinearFit(xs, ys)
		snap.Slope = slope
		snap.Trend = classify(slope, snap.Mean, c.opts.Epsilon)
	}

	return snap, nil
}

// WindowOf returns the trailing observations within span of the latest one.
func WindowOf(history []model.PriceObservation, span time.Duration) []model.PriceObservation {
	if span <= 0 || len(history) == 0 {
		return history
	}
	cutoff := history[len(history)-1].Timestamp.Add(-span)
	for i, o := range history {
		if !o.Timestamp.Before(cutoff) {
			return history[i:]
		}
	}
	return history[len(history)-1:]
}

// Bands returns the min and max observed price.
func Bands(window []model.PriceObservation) (support, resistance decimal.Decimal) {
	if len(window) == 0 {
		return decimal.Zero, decimal.Zero
	}
	support, resistance = window[0].Price, window[0].Price
	for _, o := range window[1:] {
		if o.Price.LessThan(support) {
			support = o.Price
		}
		if o.Price.GreaterThan(resistance) {
			resistance = o.Price
		}
	}
	return support, resistance
}

// Series converts observations to (day offset from first point, price) pairs.
func Series(window []model.PriceObservation) (xs, ys []float64) {
	xs = make([]float64, len(window))
	ys = make([]float64, len(window))
	if len(window) == 0 {
		return xs, ys
	}
	origin := window[0].Timestamp
	for i, o := range window {
		xs[i] = o.Timestamp.Sub(origin).Hours() / day.Hours()
		ys[i] = o.Price.InexactFloat64()
	}
	return xs, ys
}

// LinearFit returns the least-squares slope and intercept of ys on xs.
// A degenerate x spread yields a zero slope through the mean.
func LinearFit(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx float64
	for i := range xs {
		dx := xs[i] - mx
		sxy += dx * (ys[i] - my)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0, my
	}
	slope = sxy / sxx
	return slope, my - slope*mx
}

// CoefficientOfVariation is the population std-dev divided by the mean; 0 for fewer than two points.
func CoefficientOfVariation(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	m := mean(ys)
	if m == 0 {
		return 0
	}
	return StdDev(ys) / m
}

// StdDev is the population standard deviation.
func StdDev(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	m := mean(ys)
	var ss float64
	for _, y := range ys {
		ss += (y - m) * (y - m)
	}
	return math.Sqrt(ss / float64(len(ys)))
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func classify(slope, meanPrice, epsilon float64) model.Trend {
	threshold := epsilon * meanPrice
	switch {
	case slope > threshold:
		return model.TrendUp
	case slope < -threshold:
		return model.TrendDown
	default:
		return model.TrendFlat
	}
}
