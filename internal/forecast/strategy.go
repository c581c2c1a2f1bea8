package forecast

import (
	"price-intel/internal/model"
)

const (
	// LinearRegression fits price against day offset.
	LinearRegression = "linear_regression"
	// RandomForest bags regression trees over lag and rolling-statistic features.
	RandomForest = "random_forest"
)

// Strategy fits a model to a price history. Implementations must be deterministic.
type Strategy interface {
	Name() string
	Fit(history []model.PriceObservation) (Model, error)
}

// Model is a fitted strategy state.
type Model interface {
	// Predict returns one price per day for days 1..horizon after the last observation.
	Predict(horizon int) ([]float64, error)
	// Residuals are the in-sample errors (actual - fitted) of the training rows.
	Residuals() []float64
}
