package compute

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"factorlab/internal/panel"
)

// Shift moves every instrument's series n dates forward (n > 0) or backward
// (n < 0), filling the vacated cells with NaN. Shift(x, 1) at date t holds
// the value x had at t-1.
func Shift(x *panel.Panel, n int) *panel.Panel {
	out := panel.New(fmt.Sprintf("shift(%s,%d)", x.Name, n), x.Dates, x.Instruments)
	for i := range x.Values {
		src := i - n
		if src < 0 || src >= len(x.Values) {
			continue
		}
		copy(out.Values[i], x.Values[src])
	}
	return out
}

// Ret is the n-period log return: log(x) - log(shift(x, n)).
func Ret(x *panel.Panel, n int) *panel.Panel {
	logx := Log(x)
	lagged := Shift(logx, n)
	out := panel.New(fmt.Sprintf("ret(%s,%d)", x.Name, n), x.Dates, x.Instruments)
	for i := range out.Values {
		for j := range out.Values[i] {
			out.Values[i][j] = logx.Values[i][j] - lagged.Values[i][j]
		}
	}
	return out
}

func RollingMax(x *panel.Panel, window int) *panel.Panel {
	return rolling("rolling_max", x, window, floats.Max)
}

func RollingMin(x *panel.Panel, window int) *panel.Panel {
	return rolling("rolling_min", x, window, floats.Min)
}

func RollingMean(x *panel.Panel, window int) *panel.Panel {
	return rolling("rolling_mean", x, window, func(v []float64) float64 { return stat.Mean(v, nil) })
}

// RollingStd is the population standard deviation over the window.
func RollingStd(x *panel.Panel, window int) *panel.Panel {
	return rolling("rolling_std", x, window, func(v []float64) float64 {
		_, std := stat.PopMeanStdDev(v, nil)
		return std
	})
}

// rolling evaluates fn over the trailing window ending at each date. The
// result is defined only once the window is full and has no missing cell.
func rolling(op string, x *panel.Panel, window int, fn func([]float64) float64) *panel.Panel {
	out := panel.New(fmt.Sprintf("%s(%s,%d)", op, x.Name, window), x.Dates, x.Instruments)
	if window < 1 {
		return out
	}
	buf := make([]float64, window)
	for j := range x.Instruments {
		for i := window - 1; i < len(x.Values); i++ {
			complete := true
			for k := 0; k < window; k++ {
				v := x.Values[i-window+1+k][j]
				if math.IsNaN(v) {
					complete = false
					break
				}
				buf[k] = v
			}
			if complete {
				out.Values[i][j] = fn(buf)
			}
		}
	}
	return out
}

// RollingCorr is the Pearson correlation of x and y over the trailing window.
// Only pairs where both sides are present take part. Fewer than two pairs or
// a constant side leaves the cell missing.
func RollingCorr(x, y *panel.Panel, window int) (*panel.Panel, error) {
	if err := panel.CheckSameAxes(x, y); err != nil {
		return nil, fmt.Errorf("rolling_corr: %w", err)
	}
	out := panel.New(fmt.Sprintf("rolling_corr(%s,%s,%d)", x.Name, y.Name, window), x.Dates, x.Instruments)
	if window < 1 {
		return out, nil
	}

	xs := make([]float64, 0, window)
	ys := make([]float64, 0, window)
	for j := range x.Instruments {
		for i := range x.Values {
			xs, ys = xs[:0], ys[:0]
			for k := max(0, i-window+1); k <= i; k++ {
				a, b := x.Values[k][j], y.Values[k][j]
				if math.IsNaN(a) || math.IsNaN(b) {
					continue
				}
				xs = append(xs, a)
				ys = append(ys, b)
			}
			out.Values[i][j] = Correlation(xs, ys)
		}
	}
	return out, nil
}

// Correlation returns the Pearson correlation of two equal-length samples,
// or NaN when it is undefined.
func Correlation(xs, ys []float64) float64 {
	if len(xs) < 2 || len(xs) != len(ys) {
		return math.NaN()
	}
	if constant(xs) || constant(ys) {
		return math.NaN()
	}
	return stat.Correlation(xs, ys, nil)
}

func constant(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}
