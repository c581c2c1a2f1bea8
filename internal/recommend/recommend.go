// Package recommend turns a snapshot and a forecast into a buy/wait/hold verdict.
package recommend

import (
	"fmt"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

// Options tune the recommendation rules.
type Options struct {
	MinConfidence       float64
	NearSupportFraction float64
}

// Engine applies the recommendation rules.
type Engine struct {
	minConfidence float64
	nearSupport   decimal.Decimal
}

// New constructs an Engine.
func New(opts Options) *Engine {
	return &Engine{
		minConfidence: opts.MinConfidence,
		nearSupport:   decimal.NewFromFloat(opts.NearSupportFraction),
	}
}

// Recommend combines a snapshot with the product's forecast. forecastErr is the error the
// forecaster returned, if any; a nil forecast always yields hold.
func (e *Engine) Recommend(snap model.Snapshot, forecast *model.Forecast, forecastErr error) model.Recommendation {
	rec := model.Recommendation{ProductID: snap.ProductID, Action: model.ActionHold}

	switch {
	case model.IsInsufficientHistory(forecastErr):
		rec.Rationale = "not enough data yet"
		return rec
	case forecastErr != nil:
		rec.Rationale = fmt.Sprintf("forecast unavailable: %v", forecastErr)
		return rec
	case forecast == nil || len(forecast.Points) == 0:
		rec.Rationale = "no forecast available"
		return rec
	case forecast.Confidence < e.minConfidence:
		rec.Rationale = fmt.Sprintf("forecast confidence %.2f (%s) below %.2f", forecast.Confidence, forecast.ConfidenceLevel, e.minConfidence)
		return rec
	}

	current := snap.Current
	nearest, _ := forecast.Nearest()
	lowest, _ := forecast.Lowest()

	risingAhead := snap.Trend == model.TrendUp && nearest.Price.GreaterThanOrEqual(current)
	wait := snap.Trend == model.TrendDown && lowest.Price.LessThan(current)
	// support only holds while the forecast stays above it
	brokenSupport := wait && lowest.Price.LessThan(snap.Support)
	atSupport := !brokenSupport && e.nearSupportLevel(snap, current)
	buy := risingAhead || atSupport

	switch {
	case brokenSupport:
		rec.Action = model.ActionWait
		rec.Rationale = fmt.Sprintf("trend down and forecast %s breaks support %s by day %d",
			lowest.Price.StringFixed(2), snap.Support.StringFixed(2), lowest.DayOffset)
	case buy && wait:
		rec.Rationale = fmt.Sprintf("conflicting signals: price %s near support %s but forecast falls to %s by day %d",
			current.StringFixed(2), snap.Support.StringFixed(2), lowest.Price.StringFixed(2), lowest.DayOffset)
	case risingAhead:
		rec.Action = model.ActionBuyNow
		rec.Rationale = fmt.Sprintf("trend up and day %d forecast %s is not below current %s",
			nearest.DayOffset, nearest.Price.StringFixed(2), current.StringFixed(2))
	case atSupport:
		rec.Action = model.ActionBuyNow
		rec.Rationale = fmt.Sprintf("current %s is at or near support %s", current.StringFixed(2), snap.Support.StringFixed(2))
	case wait:
		rec.Action = model.ActionWait
		rec.Rationale = fmt.Sprintf("trend down and forecast reaches %s by day %d", lowest.Price.StringFixed(2), lowest.DayOffset)
	default:
		rec.Rationale = fmt.Sprintf("trend %s with no conclusive forecast signal", snap.Trend)
	}
	return rec
}

func (e *Engine) nearSupportLevel(snap model.Snapshot, current decimal.Decimal) bool {
	if !snap.Support.IsPositive() {
		return false
	}
	limit := snap.Support.Mul(decimal.NewFromInt(1).Add(e.nearSupport))
	return current.LessThanOrEqual(limit)
}
