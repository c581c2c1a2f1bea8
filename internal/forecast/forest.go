package forecast

import (
	"errors"
	"math/rand"
	"sort"

	"price-intel/internal/analytics"
	"price-intel/internal/model"
)

// ForestOptions tune the random forest strategy.
type ForestOptions struct {
	Trees    int
	MaxDepth int
	MinLeaf  int
	Seed     int64
}

// Forest is a bagged ensemble of CART regression trees.
type Forest struct {
	opts ForestOptions
}

// NewForest constructs the random forest strategy with defaults filled in.
func NewForest(opts ForestOptions) *Forest {
	if opts.Trees <= 0 {
		opts.Trees = 50
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 6
	}
	if opts.MinLeaf <= 0 {
		opts.MinLeaf = 2
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &Forest{opts: opts}
}

// Name implements Strategy.
func (*Forest) Name() string { return RandomForest }

// Fit implements Strategy. The RNG is reseeded per fit so identical input gives identical trees.
func (f *Forest) Fit(history []model.PriceObservation) (Model, error) {
	xs, ys := analytics.Series(history)
	rows, targets := trainingSet(xs, ys)
	if len(rows) == 0 {
		return nil, errors.New("random forest needs at least two observations")
	}

	rng := rand.New(rand.NewSource(f.opts.Seed))
	mtry := featureCount/2 + 1

	trees := make([]*treeNode, f.opts.Trees)
	for t := range trees {
		sample := make([]int, len(rows))
		for i := range sample {
			sample[i] = rng.Intn(len(rows))
		}
		b := treeBuilder{rows: rows, targets: targets, opts: f.opts, rng: rng, mtry: mtry}
		trees[t] = b.build(sample, 0)
	}

	m := &forestModel{trees: trees, xs: xs, ys: ys}
	m.residuals = make([]float64, len(rows))
	for i, row := range rows {
		m.residuals[i] = targets[i] - m.predictRow(row)
	}
	return m, nil
}

type forestModel struct {
	trees     []*treeNode
	xs, ys    []float64
	residuals []float64
}

// Predict feeds each predicted day back in as the newest observation.
func (m *forestModel) Predict(horizon int) ([]float64, error) {
	xs := append([]float64(nil), m.xs...)
	ys := append([]float64(nil), m.ys...)
	lastX := xs[len(xs)-1]

	out := make([]float64, horizon)
	for d := 1; d <= horizon; d++ {
		xs = append(xs, lastX+float64(d))
		ys = append(ys, 0)
		i := len(ys) - 1
		pred := m.predictRow(featureRow(xs, ys, i))
		ys[i] = pred
		out[d-1] = pred
	}
	return out, nil
}

func (m *forestModel) Residuals() []float64 { return m.residuals }

func (m *forestModel) predictRow(row []float64) float64 {
	var sum float64
	for _, t := range m.trees {
		sum += t.predict(row)
	}
	return sum / float64(len(m.trees))
}

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
}

func (n *treeNode) predict(row []float64) float64 {
	for !n.leaf {
		if row[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

type treeBuilder struct {
	rows    [][]float64
	targets []float64
	opts    ForestOptions
	rng     *rand.Rand
	mtry    int
}

func (b *treeBuilder) build(idx []int, depth int) *treeNode {
	value := b.meanOf(idx)
	if depth >= b.opts.MaxDepth || len(idx) < 2*b.opts.MinLeaf {
		return &treeNode{leaf: true, value: value}
	}

	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return &treeNode{leaf: true, value: value}
	}

	var left, right []int
	for _, i := range idx {
		if b.rows[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &treeNode{
		feature:   feature,
		threshold: threshold,
		left:      b.build(left, depth+1),
		right:     b.build(right, depth+1),
	}
}

// bestSplit searches a random feature subset for the split with the lowest summed squared error.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	features := b.rng.Perm(featureCount)[:b.mtry]
	sort.Ints(features)

	parentSSE := b.sse(idx)
	bestSSE := parentSSE
	bestFeature, bestThreshold, found := 0, 0.0, false

	order := make([]int, len(idx))
	for _, f := range features {
		copy(order, idx)
		sort.SliceStable(order, func(a, c int) bool {
			return b.rows[order[a]][f] < b.rows[order[c]][f]
		})

		var totalSum, totalSq float64
		for _, i := range order {
			totalSum += b.targets[i]
			totalSq += b.targets[i] * b.targets[i]
		}

		var leftSum, leftSq float64
		for k := 0; k < len(order)-1; k++ {
			y := b.targets[order[k]]
			leftSum += y
			leftSq += y * y

			nLeft := k + 1
			nRight := len(order) - nLeft
			if nLeft < b.opts.MinLeaf || nRight < b.opts.MinLeaf {
				continue
			}
			lo, hi := b.rows[order[k]][f], b.rows[order[k+1]][f]
			if lo == hi {
				continue
			}

			rightSum, rightSq := totalSum-leftSum, totalSq-leftSq
			sse := (leftSq - leftSum*leftSum/float64(nLeft)) + (rightSq - rightSum*rightSum/float64(nRight))
			if sse < bestSSE-1e-12 {
				bestSSE = sse
				bestFeature = f
				bestThreshold = (lo + hi) / 2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func (b *treeBuilder) meanOf(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var sum float64
	for _, i := range idx {
		sum += b.targets[i]
	}
	return sum / float64(len(idx))
}

func (b *treeBuilder) sse(idx []int) float64 {
	m := b.meanOf(idx)
	var s float64
	for _, i := range idx {
		d := b.targets[i] - m
		s += d * d
	}
	return s
}

var _ Strategy = (*Forest)(nil)
