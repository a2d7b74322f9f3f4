package compute

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"factorlab/internal/panel"
)

// Max, Min, Mean and Std reduce several panels cell by cell. A cell is
// missing in the result when it is missing in any input.

func Max(xs ...*panel.Panel) (*panel.Panel, error) { return reduce("max", xs, floats.Max) }
func Min(xs ...*panel.Panel) (*panel.Panel, error) { return reduce("min", xs, floats.Min) }

func Mean(xs ...*panel.Panel) (*panel.Panel, error) {
	return reduce("mean", xs, func(v []float64) float64 { return stat.Mean(v, nil) })
}

// Std is the population standard deviation across the inputs.
func Std(xs ...*panel.Panel) (*panel.Panel, error) {
	return reduce("std", xs, func(v []float64) float64 {
		_, std := stat.PopMeanStdDev(v, nil)
		return std
	})
}

func reduce(op string, xs []*panel.Panel, fn func([]float64) float64) (*panel.Panel, error) {
	if len(xs) == 0 {
		return nil, errors.New(op + ": no inputs")
	}
	first := xs[0]
	for _, x := range xs[1:] {
		if err := panel.CheckSameAxes(first, x); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	out := panel.New(op, first.Dates, first.Instruments)
	buf := make([]float64, len(xs))
	for i := range first.Values {
		for j := range first.Instruments {
			missing := false
			for k, x := range xs {
				buf[k] = x.Values[i][j]
				if math.IsNaN(buf[k]) {
					missing = true
				}
			}
			if !missing {
				out.Values[i][j] = fn(buf)
			}
		}
	}
	return out, nil
}
