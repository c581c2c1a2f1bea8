package forecast

import (
	"price-intel/internal/analytics"
)

// featureCount is the width of a feature row:
// day offset, lag-1 price, moving average 3, moving average 7, rolling std-dev 7.
const featureCount = 5

// featureRow builds the regressors for predicting ys[i] from points strictly before i.
func featureRow(xs, ys []float64, i int) []float64 {
	return []float64{
		xs[i],
		ys[i-1],
		trailingMean(ys, i, 3),
		trailingMean(ys, i, 7),
		analytics.StdDev(trailing(ys, i, 7)),
	}
}

// trainingSet returns feature rows and targets for every point that has a predecessor.
func trainingSet(xs, ys []float64) ([][]float64, []float64) {
	if len(ys) < 2 {
		return nil, nil
	}
	rows := make([][]float64, 0, len(ys)-1)
	targets := make([]float64, 0, len(ys)-1)
	for i := 1; i < len(ys); i++ {
		rows = append(rows, featureRow(xs, ys, i))
		targets = append(targets, ys[i])
	}
	return rows, targets
}

func trailing(ys []float64, end, n int) []float64 {
	start := end - n
	if start < 0 {
		start = 0
	}
	return ys[start:end]
}

func trailingMean(ys []float64, end, n int) float64 {
	w := trailing(ys, end, n)
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}
