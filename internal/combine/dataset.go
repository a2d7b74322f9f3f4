// Package combine fits regression models that map lagged factors to the
// next-period return and unpacks their predictions into a signal panel.
package combine

import (
	"fmt"
	"math"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/factor"
	"factorlab/internal/panel"
)

// Dataset is a long-form design matrix. Row r describes Instruments[r] on
// Dates[r]; X[r] holds one value per entry of Features and Y[r] the target.
type Dataset struct {
	Features    []string
	Dates       []time.Time
	Instruments []string
	X           [][]float64
	Y           []float64
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Y) }

// Column copies feature j into a new slice.
func (d *Dataset) Column(j int) []float64 {
	out := make([]float64, len(d.X))
	for r, row := range d.X {
		out[r] = row[j]
	}
	return out
}

// Select returns a dataset restricted to the features where mask is true.
func (d *Dataset) Select(mask []bool) (*Dataset, error) {
	if len(mask) != len(d.Features) {
		return nil, fmt.Errorf("mask has %d entries for %d features", len(mask), len(d.Features))
	}
	var keep []int
	out := &Dataset{Dates: d.Dates, Instruments: d.Instruments, Y: d.Y}
	for j, ok := range mask {
		if ok {
			keep = append(keep, j)
			out.Features = append(out.Features, d.Features[j])
		}
	}
	out.X = make([][]float64, len(d.X))
	for r, row := range d.X {
		sel := make([]float64, len(keep))
		for k, j := range keep {
			sel[k] = row[j]
		}
		out.X[r] = sel
	}
	return out, nil
}

// Split divides the factor grid into a training range and the last testSize
// dates, then flattens each range into rows, dropping any row with a missing
// feature or target.
func Split(factors *factor.Set, returns *panel.Panel, testSize int) (train, test *Dataset, err error) {
	tmpl := factors.Template()
	if tmpl == nil {
		return nil, nil, fmt.Errorf("split: no factors")
	}
	n := len(tmpl.Dates)
	if testSize < 0 || testSize >= n {
		return nil, nil, &domain.ConfigError{
			Component: "combine",
			Param:     "test_size",
			Value:     testSize,
			Reason:    fmt.Sprintf("must be in [0, %d) for %d dates", n, n),
		}
	}

	align, err := panel.Align(tmpl, returns)
	if err != nil {
		return nil, nil, fmt.Errorf("split: %w", err)
	}

	trainEnd := n - testSize
	train = flatten(factors, returns, align, 0, trainEnd)
	test = flatten(factors, returns, align, trainEnd, n)
	return train, test, nil
}

func flatten(factors *factor.Set, returns *panel.Panel, align *panel.Alignment, from, to int) *Dataset {
	tmpl := factors.Template()
	d := &Dataset{Features: append([]string(nil), factors.Names...)}
	rets := make([]float64, len(tmpl.Instruments))
	for i := from; i < to; i++ {
		rets = align.Row(returns, i, rets)
	rows:
		for j, inst := range tmpl.Instruments {
			y := rets[j]
			if math.IsNaN(y) {
				continue
			}
			x := make([]float64, len(factors.Panels))
			for k, f := range factors.Panels {
				v := f.Values[i][j]
				if math.IsNaN(v) {
					continue rows
				}
				x[k] = v
			}
			d.Dates = append(d.Dates, tmpl.Dates[i])
			d.Instruments = append(d.Instruments, inst)
			d.X = append(d.X, x)
			d.Y = append(d.Y, y)
		}
	}
	return d
}

// Unpack predicts on train and test and scatters the predictions onto the
// grid of template. Cells without a row stay NaN.
func Unpack(reg Regressor, train, test *Dataset, template *panel.Panel) (*panel.Panel, error) {
	signals := panel.New("signals", template.Dates, template.Instruments)
	inst := template.InstrumentIndex()
	dates := make(map[int64]int, len(template.Dates))
	for i, dt := range template.Dates {
		dates[dt.UnixNano()] = i
	}
	for _, d := range []*Dataset{train, test} {
		if d == nil || d.Len() == 0 {
			continue
		}
		pred, err := reg.Predict(d)
		if err != nil {
			return nil, err
		}
		for r, v := range pred {
			i, okDate := dates[d.Dates[r].UnixNano()]
			j, okInst := inst[d.Instruments[r]]
			if !okDate || !okInst {
				axis := "instrument"
				if !okDate {
					axis = "date"
				}
				return nil, &domain.MismatchError{
					Axis:   axis,
					Detail: fmt.Sprintf("%s on %s is not on the signal grid", d.Instruments[r], d.Dates[r].Format(time.DateOnly)),
				}
			}
			signals.Set(i, j, v)
		}
	}
	return signals, nil
}
