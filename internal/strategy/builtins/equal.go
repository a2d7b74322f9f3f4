package builtins

import (
	"fmt"
	"math"

	"factorlab/internal/domain"
	"factorlab/internal/panel"
	"factorlab/internal/strategy"
)

var _ strategy.Strategy = (*EqualWeight)(nil)

// EqualWeight holds every instrument with a defined signal at equal weight.
// It ignores the signal's value and serves as the market benchmark book.
type EqualWeight struct{}

// NewEqualWeight creates an EqualWeight strategy.
func NewEqualWeight() *EqualWeight { return &EqualWeight{} }

// Name returns "equal".
func (s *EqualWeight) Name() string { return "equal" }

// Position weights each non-missing instrument 1/n.
func (s *EqualWeight) Position(cs panel.CrossSection) ([]float64, error) {
	n := panel.CountValid(cs.Values)
	if n == 0 {
		return nil, fmt.Errorf("equal on %s: %w", cs.Date.Format("2006-01-02"), domain.ErrUndefinedRanking)
	}
	weights := make([]float64, len(cs.Values))
	for j, v := range cs.Values {
		if !math.IsNaN(v) {
			weights[j] = 1 / float64(n)
		}
	}
	return weights, nil
}
