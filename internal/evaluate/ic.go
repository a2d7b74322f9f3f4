// Package evaluate measures signal quality and summarises backtest output.
package evaluate

import (
	"fmt"
	"math"

	"factorlab/internal/compute"
	"factorlab/internal/panel"
)

// Transform maps a cross-section before correlation.
type Transform func([]float64) []float64

// Identity leaves values unchanged.
func Identity(v []float64) []float64 { return v }

// RankTransform replaces values with their average ranks.
func RankTransform(v []float64) []float64 { return compute.RankValues(v) }

// Relationship computes fn between the transformed factor and return
// cross-sections of every return date. Dates where the factor is missing for
// every instrument yield NaN; otherwise only instruments present on both sides
// take part.
func Relationship(factor, returns *panel.Panel, tf, tr Transform, fn func(x, y []float64) float64) ([]float64, error) {
	align, err := panel.Align(returns, factor)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	out := make([]float64, len(returns.Dates))
	var frow []float64
	for i := range returns.Dates {
		frow = align.Row(factor, i, frow)
		if panel.AllMissing(frow) {
			out[i] = math.NaN()
			continue
		}
		fx := tf(frow)
		ry := tr(returns.Row(i))

		xs := make([]float64, 0, len(fx))
		ys := make([]float64, 0, len(fx))
		for j := range fx {
			if math.IsNaN(fx[j]) || math.IsNaN(ry[j]) {
				continue
			}
			xs = append(xs, fx[j])
			ys = append(ys, ry[j])
		}
		out[i] = fn(xs, ys)
	}
	return out, nil
}

// RankIC is the per-date Spearman correlation between factor and returns.
func RankIC(factor, returns *panel.Panel) ([]float64, error) {
	return Relationship(factor, returns, RankTransform, RankTransform, compute.Correlation)
}

// PearsonCorr is the per-date Pearson correlation between factor and returns.
func PearsonCorr(factor, returns *panel.Panel) ([]float64, error) {
	return Relationship(factor, returns, Identity, Identity, compute.Correlation)
}

// MarketReturn is the equal-weighted average return across instruments.
func MarketReturn(returns *panel.Panel) []float64 {
	return returns.MeanAcross()
}
