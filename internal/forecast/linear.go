package forecast

import (
	"price-intel/internal/analytics"
	"price-intel/internal/model"
)

// Linear is ordinary least squares of price on day offset.
type Linear struct{}

// NewLinear constructs the linear regression strategy.
func NewLinear() *Linear { return &Linear{} }

// Name implements Strategy.
func (*Linear) Name() string { return LinearRegression }

// Fit implements Strategy.
func (*Linear) Fit(history []model.PriceObservation) (Model, error) {
	xs, ys := analytics.Series(history)
	slope, intercept := analytics.LinearFit(xs, ys)

	residuals := make([]float64, len(xs))
	for i := range xs {
		residuals[i] = ys[i] - (intercept + slope*xs[i])
	}

	last := 0.0
	if len(xs) > 0 {
		last = xs[len(xs)-1]
	}
	return &linearModel{slope: slope, intercept: intercept, lastX: last, residuals: residuals}, nil
}

type linearModel struct {
	slope     float64
	intercept float64
	lastX     float64
	residuals []float64
}

func (m *linearModel) Predict(horizon int) ([]float64, error) {
	out := make([]float64, horizon)
	for d := 1; d <= horizon; d++ {
		out[d-1] = m.intercept + m.slope*(m.lastX+float64(d))
	}
	return out, nil
}

func (m *linearModel) Residuals() []float64 { return m.residuals }

var _ Strategy = (*Linear)(nil)
