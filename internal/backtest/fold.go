package backtest

import (
	"fmt"
	"math"
	"time"

	"factorlab/internal/domain"
)

// fold is the carried state of one Run. last starts as the zero vector and
// only a traded date replaces it.
type fold struct {
	last    []float64
	feeRate float64
	missing MissingReturnPolicy
}

func newFold(n int, feeRate float64, missing MissingReturnPolicy) *fold {
	return &fold{
		last:    make([]float64, n),
		feeRate: feeRate,
		missing: missing,
	}
}

// skip records a date without signal. The carried position is unchanged.
func (f *fold) skip(date time.Time) Step {
	return Step{
		Date:    date,
		Skipped: true,
		Gross:   math.NaN(),
		Net:     math.NaN(),
	}
}

// trade realizes pos on date against rets and advances the carried position.
func (f *fold) trade(date time.Time, pos, rets []float64, instruments []string) (Step, error) {
	gross := 0.0
	for j, w := range pos {
		r := rets[j]
		if math.IsNaN(r) {
			if w != 0 && f.missing == MissingStrict {
				return Step{}, fmt.Errorf("backtest: %s on %s: %w",
					instruments[j], date.Format(time.DateOnly), domain.ErrMissingReturn)
			}
			continue
		}
		gross += w * r
	}

	// L1 turnover: a full flip between two names counts 2.
	turnover := 0.0
	for j, w := range pos {
		turnover += math.Abs(w - f.last[j])
	}
	fee := turnover * f.feeRate

	f.last = pos
	return Step{
		Date:     date,
		Gross:    gross,
		Turnover: turnover,
		Fee:      fee,
		Net:      gross - fee,
		Position: pos,
	}, nil
}
