package httpapi

import (
	"math"
	"time"

	"factorlab/internal/evaluate"
	"factorlab/internal/store"
)

// RunSummary is one entry of the run listing. Metrics that are undefined
// (NaN or infinite) are encoded as null.
type RunSummary struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Strategy  string              `json:"strategy"`
	FeeRate   float64             `json:"fee_rate"`
	Metrics   map[string]*float64 `json:"metrics"`
}

// RunDetail is a single run with its parameters and daily points.
type RunDetail struct {
	RunSummary
	Params map[string]string `json:"params"`
	Points []Point           `json:"points"`
}

// Point is one date of a run. Equity compounds Net from 1, counting skipped
// dates as flat.
type Point struct {
	Date     string   `json:"date"`
	Skipped  bool     `json:"skipped"`
	Gross    *float64 `json:"gross"`
	Turnover float64  `json:"turnover"`
	Net      *float64 `json:"net"`
	Equity   float64  `json:"equity"`
}

func toSummary(r *store.Run) RunSummary {
	metrics := make(map[string]*float64, len(r.Metrics))
	for k, v := range r.Metrics {
		metrics[k] = finite(v)
	}
	return RunSummary{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Strategy:  r.Strategy,
		FeeRate:   r.FeeRate,
		Metrics:   metrics,
	}
}

func toDetail(r *store.Run) RunDetail {
	net := make([]float64, len(r.Points))
	for i, p := range r.Points {
		net[i] = p.Net
	}
	equity := evaluate.CumulativeGrowth(net)

	points := make([]Point, len(r.Points))
	for i, p := range r.Points {
		points[i] = Point{
			Date:     p.Date.Format(time.DateOnly),
			Skipped:  p.Skipped,
			Gross:    finite(p.Gross),
			Turnover: p.Turnover,
			Net:      finite(p.Net),
			Equity:   equity[i],
		}
	}
	params := r.Params
	if params == nil {
		params = map[string]string{}
	}
	return RunDetail{RunSummary: toSummary(r), Params: params, Points: points}
}

// finite returns nil for values JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
