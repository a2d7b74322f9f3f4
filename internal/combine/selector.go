package combine

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Selector chooses a subset of features from a training dataset.
type Selector interface {
	Select(ctx context.Context, d *Dataset) ([]bool, error)
}

// selectorEps is both the solver tolerance and the coefficient cutoff.
const selectorEps = 1e-8

var _ Selector = (*LassoSelector)(nil)

// LassoSelector keeps the features with a non-zero cross-validated lasso
// coefficient.
type LassoSelector struct {
	Folds int
	// Fitted is the model behind the last selection.
	Fitted *LassoRegressor
}

// NewLassoSelector validates folds (>= 2).
func NewLassoSelector(folds int) (*LassoSelector, error) {
	if _, err := NewLassoRegressor(folds, selectorEps); err != nil {
		return nil, err
	}
	return &LassoSelector{Folds: folds}, nil
}

// Select fits the lasso on d and marks every feature with |coef| > 1e-8.
func (s *LassoSelector) Select(ctx context.Context, d *Dataset) ([]bool, error) {
	reg, err := NewLassoRegressor(s.Folds, selectorEps)
	if err != nil {
		return nil, err
	}
	if err := reg.Fit(ctx, d); err != nil {
		return nil, err
	}
	s.Fitted = reg

	mask := make([]bool, len(reg.coef))
	for j, c := range reg.coef {
		mask[j] = math.Abs(c) > selectorEps
	}
	return mask, nil
}

// CorrScore is the uncentred correlation mean(xy)/sqrt(mean(x²)·mean(y²)).
// It is NaN for empty or mismatched inputs and when either side is all zero.
func CorrScore(x, y []float64) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return math.NaN()
	}
	den := math.Sqrt(floats.Dot(x, x) * floats.Dot(y, y))
	if den == 0 {
		return math.NaN()
	}
	return floats.Dot(x, y) / den
}
