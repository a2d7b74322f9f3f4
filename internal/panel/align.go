package panel

import (
	"fmt"
	"strings"
	"time"

	"factorlab/internal/domain"
)

// Alignment maps the axes of a base panel onto another panel addressed by
// (date, instrument) labels.
type Alignment struct {
	// Rows[i] is the row in the other panel holding base date i.
	Rows []int
	// Cols[j] is the column in the other panel holding base instrument j.
	Cols []int
}

// Align resolves every date and instrument of base inside other. Base dates
// must be strictly ascending, labels must be unique on both panels, the
// instrument universes must be equal as sets (order may differ) and every
// base date must exist in other; any violation is a *domain.MismatchError.
func Align(base, other *Panel) (*Alignment, error) {
	if err := checkAscending(base); err != nil {
		return nil, err
	}
	for _, p := range []*Panel{base, other} {
		if err := checkUniqueInstruments(p); err != nil {
			return nil, err
		}
	}
	if len(base.Instruments) != len(other.Instruments) {
		return nil, &domain.MismatchError{
			Axis: "instrument",
			Detail: fmt.Sprintf("%s has %d instruments, %s has %d",
				base.Name, len(base.Instruments), other.Name, len(other.Instruments)),
		}
	}

	colIdx := other.InstrumentIndex()
	cols := make([]int, len(base.Instruments))
	var missing []string
	for j, s := range base.Instruments {
		c, ok := colIdx[s]
		if !ok {
			missing = append(missing, s)
			continue
		}
		cols[j] = c
	}
	if len(missing) > 0 {
		return nil, &domain.MismatchError{
			Axis:   "instrument",
			Detail: fmt.Sprintf("%s lacks %s", other.Name, strings.Join(missing, ",")),
		}
	}

	rowIdx := make(map[time.Time]int, len(other.Dates))
	for i, d := range other.Dates {
		if _, dup := rowIdx[d.UTC()]; dup {
			return nil, &domain.MismatchError{
				Axis:   "date",
				Detail: fmt.Sprintf("%s repeats %s", other.Name, d.Format(time.DateOnly)),
			}
		}
		rowIdx[d.UTC()] = i
	}
	rows := make([]int, len(base.Dates))
	for i, d := range base.Dates {
		r, ok := rowIdx[d.UTC()]
		if !ok {
			return nil, &domain.MismatchError{
				Axis:   "date",
				Detail: fmt.Sprintf("%s lacks %s", other.Name, d.Format(time.DateOnly)),
			}
		}
		if i > 0 && r <= rows[i-1] {
			return nil, &domain.MismatchError{
				Axis:   "date",
				Detail: fmt.Sprintf("%s orders %s differently", other.Name, d.Format(time.DateOnly)),
			}
		}
		rows[i] = r
	}

	return &Alignment{Rows: rows, Cols: cols}, nil
}

func checkAscending(p *Panel) error {
	for i := 1; i < len(p.Dates); i++ {
		if !p.Dates[i].After(p.Dates[i-1]) {
			return &domain.MismatchError{
				Axis: "date",
				Detail: fmt.Sprintf("%s dates not strictly ascending at %s after %s", p.Name,
					p.Dates[i].Format(time.DateOnly), p.Dates[i-1].Format(time.DateOnly)),
			}
		}
	}
	return nil
}

func checkUniqueInstruments(p *Panel) error {
	seen := make(map[string]struct{}, len(p.Instruments))
	for _, s := range p.Instruments {
		if _, dup := seen[s]; dup {
			return &domain.MismatchError{
				Axis:   "instrument",
				Detail: fmt.Sprintf("%s repeats %s", p.Name, s),
			}
		}
		seen[s] = struct{}{}
	}
	return nil
}

// Row gathers other's values for base date i in base instrument order.
func (a *Alignment) Row(other *Panel, i int, dst []float64) []float64 {
	if cap(dst) < len(a.Cols) {
		dst = make([]float64, len(a.Cols))
	}
	dst = dst[:len(a.Cols)]
	src := other.Values[a.Rows[i]]
	for j, c := range a.Cols {
		dst[j] = src[c]
	}
	return dst
}
