// Package deals flags observations that beat the historical high or the product alert price.
package deals

import (
	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

// Result is the outcome of evaluating one product.
type Result struct {
	IsDeal  bool
	Reasons []model.TriggerReason
	// DiscountAmount is historical max minus current price, floored at zero.
	DiscountAmount   decimal.Decimal
	DiscountFraction decimal.Decimal
}

// Has reports whether reason fired.
func (r Result) Has(reason model.TriggerReason) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}

// Detector applies the historical-discount and alert-price rules.
type Detector struct {
	minDiscount decimal.Decimal
}

// NewDetector builds a Detector requiring at least minDiscountFraction off the historical max.
func NewDetector(minDiscountFraction float64) *Detector {
	return &Detector{minDiscount: decimal.NewFromFloat(minDiscountFraction)}
}

// Evaluate checks both rules against the current price.
func (d *Detector) Evaluate(snap model.Snapshot, current decimal.Decimal, alertPrice *decimal.Decimal) Result {
	res := Result{DiscountAmount: decimal.Zero, DiscountFraction: decimal.Zero}

	if snap.HistoricalMax.IsPositive() && current.LessThan(snap.HistoricalMax) {
		res.DiscountAmount = snap.HistoricalMax.Sub(current)
		res.DiscountFraction = res.DiscountAmount.Div(snap.HistoricalMax)
		if res.DiscountAmount.GreaterThanOrEqual(snap.HistoricalMax.Mul(d.minDiscount)) {
			res.Reasons = append(res.Reasons, model.ReasonHistoricalDiscount)
		}
	}

	if alertPrice != nil && alertPrice.IsPositive() && current.LessThanOrEqual(*alertPrice) {
		res.Reasons = append(res.Reasons, model.ReasonBelowAlertPrice)
	}

	res.IsDeal = len(res.Reasons) > 0
	return res
}
