// Package panel provides date × instrument arrays, the shared currency of
// the research pipeline. Prices, factors, signals and returns are all
// panels; NaN marks a missing cell.
package panel

import (
	"fmt"
	"math"
	"time"

	"factorlab/internal/domain"
)

// Panel is a dense date-major array. Values[i][j] is the value for
// Dates[i] and Instruments[j].
type Panel struct {
	Name        string
	Dates       []time.Time
	Instruments []string
	Values      [][]float64
}

// CrossSection is one date's slice of a panel over every instrument.
type CrossSection struct {
	Date        time.Time
	Instruments []string
	Values      []float64
}

// New returns a panel over the given axes with every cell missing.
func New(name string, dates []time.Time, instruments []string) *Panel {
	values := make([][]float64, len(dates))
	for i := range values {
		row := make([]float64, len(instruments))
		for j := range row {
			row[j] = math.NaN()
		}
		values[i] = row
	}
	return &Panel{
		Name:        name,
		Dates:       dates,
		Instruments: instruments,
		Values:      values,
	}
}

// FromRows builds a panel from pre-filled rows, validating their shape.
func FromRows(name string, dates []time.Time, instruments []string, rows [][]float64) (*Panel, error) {
	if len(rows) != len(dates) {
		return nil, fmt.Errorf("panel %s: %d rows for %d dates", name, len(rows), len(dates))
	}
	for i, r := range rows {
		if len(r) != len(instruments) {
			return nil, fmt.Errorf("panel %s: row %d has %d values for %d instruments", name, i, len(r), len(instruments))
		}
	}
	return &Panel{Name: name, Dates: dates, Instruments: instruments, Values: rows}, nil
}

// Shape returns the number of dates and instruments.
func (p *Panel) Shape() (int, int) {
	return len(p.Dates), len(p.Instruments)
}

// At returns the value at date index i and instrument index j.
func (p *Panel) At(i, j int) float64 { return p.Values[i][j] }

// Set stores v at date index i and instrument index j.
func (p *Panel) Set(i, j int, v float64) { p.Values[i][j] = v }

// Row returns the backing row for date index i.
func (p *Panel) Row(i int) []float64 { return p.Values[i] }

// CrossSection returns a copy of the row at date index i.
func (p *Panel) CrossSection(i int) CrossSection {
	vals := make([]float64, len(p.Instruments))
	copy(vals, p.Values[i])
	return CrossSection{
		Date:        p.Dates[i],
		Instruments: p.Instruments,
		Values:      vals,
	}
}

// DateIndex returns the index of date, or -1 when the panel has no such date.
func (p *Panel) DateIndex(date time.Time) int {
	for i, d := range p.Dates {
		if d.Equal(date) {
			return i
		}
	}
	return -1
}

// CrossSectionAt returns the cross-section for the given date label.
func (p *Panel) CrossSectionAt(date time.Time) (CrossSection, bool) {
	i := p.DateIndex(date)
	if i < 0 {
		return CrossSection{}, false
	}
	return p.CrossSection(i), true
}

// InstrumentIndex maps instrument identifiers to column positions.
func (p *Panel) InstrumentIndex() map[string]int {
	idx := make(map[string]int, len(p.Instruments))
	for j, s := range p.Instruments {
		idx[s] = j
	}
	return idx
}

// SliceDates returns a deep copy restricted to date indices [from, to).
func (p *Panel) SliceDates(from, to int) *Panel {
	from = max(from, 0)
	to = min(to, len(p.Dates))
	if from > to {
		from = to
	}
	out := &Panel{
		Name:        p.Name,
		Dates:       append([]time.Time(nil), p.Dates[from:to]...),
		Instruments: p.Instruments,
		Values:      make([][]float64, 0, to-from),
	}
	for i := from; i < to; i++ {
		out.Values = append(out.Values, append([]float64(nil), p.Values[i]...))
	}
	return out
}

// Clone returns a deep copy of the panel under a new name.
func (p *Panel) Clone(name string) *Panel {
	out := p.SliceDates(0, len(p.Dates))
	out.Name = name
	return out
}

// Map applies fn to every cell and returns the result as a new panel.
func (p *Panel) Map(name string, fn func(float64) float64) *Panel {
	out := New(name, p.Dates, p.Instruments)
	for i, row := range p.Values {
		for j, v := range row {
			out.Values[i][j] = fn(v)
		}
	}
	return out
}

// AllMissing reports whether every value in the slice is NaN. An empty
// slice is all missing.
func AllMissing(values []float64) bool {
	for _, v := range values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// CountValid returns the number of non-missing values.
func CountValid(values []float64) int {
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// MeanAcross averages each date over its non-missing instruments. Dates with
// no valid value yield NaN.
func (p *Panel) MeanAcross() []float64 {
	out := make([]float64, len(p.Dates))
	for i, row := range p.Values {
		sum, n := 0.0, 0
		for _, v := range row {
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out
}

// CheckSameAxes verifies that a and b are defined over identical date and
// instrument axes, in the same order.
func CheckSameAxes(a, b *Panel) error {
	if len(a.Dates) != len(b.Dates) {
		return &domain.MismatchError{
			Axis:   "date",
			Detail: fmt.Sprintf("%s has %d dates, %s has %d", a.Name, len(a.Dates), b.Name, len(b.Dates)),
		}
	}
	for i := range a.Dates {
		if !a.Dates[i].Equal(b.Dates[i]) {
			return &domain.MismatchError{
				Axis:   "date",
				Detail: fmt.Sprintf("position %d: %s vs %s", i, a.Dates[i].Format(time.DateOnly), b.Dates[i].Format(time.DateOnly)),
			}
		}
	}
	if len(a.Instruments) != len(b.Instruments) {
		return &domain.MismatchError{
			Axis:   "instrument",
			Detail: fmt.Sprintf("%s has %d instruments, %s has %d", a.Name, len(a.Instruments), b.Name, len(b.Instruments)),
		}
	}
	for j := range a.Instruments {
		if a.Instruments[j] != b.Instruments[j] {
			return &domain.MismatchError{
				Axis:   "instrument",
				Detail: fmt.Sprintf("position %d: %s vs %s", j, a.Instruments[j], b.Instruments[j]),
			}
		}
	}
	return nil
}
