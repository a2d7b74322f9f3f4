// Package builtins provides the position sizing strategies that ship with
// factorlab.
package builtins

import (
	"fmt"

	"factorlab/internal/compute"
	"factorlab/internal/domain"
	"factorlab/internal/panel"
	"factorlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*TopK)(nil)

// TopK holds an equal-weight long book of the instruments whose signal rank
// sits in the top k percent of the cross-section.
//
// Ranks are ascending with average ranks for ties. The cutoff is the
// (100-k)-th percentile of the defined ranks, interpolated linearly between
// neighbours, and every instrument ranked at or above it is selected.
type TopK struct {
	k int
}

// NewTopK creates a TopK strategy. k must lie in [1, 99].
func NewTopK(k int) (*TopK, error) {
	if k < 1 || k > 99 {
		return nil, &domain.ConfigError{
			Component: "topk",
			Param:     "k",
			Value:     k,
			Reason:    "must be in [1, 99]",
		}
	}
	return &TopK{k: k}, nil
}

// Name returns "topk".
func (s *TopK) Name() string { return "topk" }

// K returns the configured percentile cutoff.
func (s *TopK) K() int { return s.k }

// Position ranks cs and weights the selected instruments 1/n each.
func (s *TopK) Position(cs panel.CrossSection) ([]float64, error) {
	ranks := compute.RankValues(cs.Values)
	thresh, ok := compute.Percentile(ranks, float64(100-s.k))
	if !ok {
		return nil, fmt.Errorf("topk on %s: %w", cs.Date.Format("2006-01-02"), domain.ErrUndefinedRanking)
	}

	weights := make([]float64, len(ranks))
	selected := 0
	for j, r := range ranks {
		// NaN ranks compare false and stay unselected.
		if r >= thresh {
			weights[j] = 1
			selected++
		}
	}
	if selected == 0 {
		return weights, nil
	}
	w := 1 / float64(selected)
	for j := range weights {
		weights[j] *= w
	}
	return weights, nil
}
