package compute

import (
	"math"
	"sort"

	"factorlab/internal/panel"
)

// RankValues assigns ascending 1-based ranks to the non-missing values.
// Tied values share the average of the ranks they span, so [10, 20, 20, 30]
// ranks as [1, 2.5, 2.5, 4]. Missing values keep a NaN rank.
func RankValues(values []float64) []float64 {
	ranks := make([]float64, len(values))
	idx := make([]int, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			ranks[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && values[idx[end]] == values[idx[start]] {
			end++
		}
		// Positions start..end-1 hold ranks start+1..end.
		avg := float64(start+1+end) / 2
		for k := start; k < end; k++ {
			ranks[idx[k]] = avg
		}
		start = end
	}
	return ranks
}

// Rank ranks every cross-section of x independently.
func Rank(x *panel.Panel) *panel.Panel {
	out := panel.New("rank("+x.Name+")", x.Dates, x.Instruments)
	for i, row := range x.Values {
		copy(out.Values[i], RankValues(row))
	}
	return out
}

// Scale divides each cross-section by its sum over non-missing instruments.
func Scale(x *panel.Panel) *panel.Panel {
	out := panel.New("scale("+x.Name+")", x.Dates, x.Instruments)
	for i, row := range x.Values {
		sum, valid := 0.0, false
		for _, v := range row {
			if !math.IsNaN(v) {
				sum += v
				valid = true
			}
		}
		if !valid {
			continue
		}
		for j, v := range row {
			out.Values[i][j] = v / sum
		}
	}
	return out
}

// Percentile returns the q-th percentile (0 <= q <= 100) of the non-missing
// values using linear interpolation between closest ranks: the value at
// fractional position (n-1)*q/100 of the sorted sample. It returns NaN and
// false when no value is present.
func Percentile(values []float64, q float64) (float64, bool) {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return math.NaN(), false
	}
	sort.Float64s(sorted)

	q = math.Min(math.Max(q, 0), 100)
	pos := float64(len(sorted)-1) * q / 100
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo], true
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac, true
}
