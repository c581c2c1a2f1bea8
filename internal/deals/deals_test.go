package deals

import (
	"testing"

	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

func snapWithMax(max int64) model.Snapshot {
	return model.Snapshot{HistoricalMax: decimal.NewFromInt(max), HistoricalMin: decimal.NewFromInt(50)}
}

func TestHistoricalDiscountThreshold(t *testing.T) {
	d := NewDetector(0.05)
	cases := []struct {
		current int64
		want    bool
	}{
		{96, false}, // 4% off
		{95, true},  // exactly 5%
		{94, true},
		{100, false},
	}
	for _, tc := range cases {
		res := d.Evaluate(snapWithMax(100), decimal.NewFromInt(tc.current), nil)
		if res.Has(model.ReasonHistoricalDiscount) != tc.want {
			t.Fatalf("current=%d: historical_discount=%v, want %v", tc.current, !tc.want, tc.want)
		}
		if res.IsDeal != tc.want {
			t.Fatalf("current=%d: is_deal mismatch", tc.current)
		}
	}
}

func TestBelowAlertPrice(t *testing.T) {
	d := NewDetector(0.5)
	alert := decimal.NewFromInt(90)

	res := d.Evaluate(snapWithMax(100), decimal.NewFromInt(90), &alert)
	if !res.Has(model.ReasonBelowAlertPrice) || res.Has(model.ReasonHistoricalDiscount) {
		t.Fatalf("reasons = %v", res.Reasons)
	}

	res = d.Evaluate(snapWithMax(100), decimal.NewFromInt(91), &alert)
	if res.IsDeal {
		t.Fatalf("91 > alert price 90 should not be a deal: %v", res.Reasons)
	}
}

func TestBothReasons(t *testing.T) {
	d := NewDetector(0.05)
	alert := decimal.NewFromInt(80)

	res := d.Evaluate(snapWithMax(100), decimal.NewFromInt(75), &alert)
	if !res.Has(model.ReasonBelowAlertPrice) || !res.Has(model.ReasonHistoricalDiscount) {
		t.Fatalf("both reasons expected, got %v", res.Reasons)
	}
	if !res.DiscountAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("discount amount = %s", res.DiscountAmount)
	}
	if !res.DiscountFraction.Equal(decimal.NewFromFloat(0.25)) {
		t.Fatalf("discount fraction = %s", res.DiscountFraction)
	}
}
