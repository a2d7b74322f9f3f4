package evaluate

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDays annualises daily statistics.
const TradingDays = 252

// Summary collects headline statistics over the trailing evaluation window.
type Summary struct {
	Samples          int     `json:"samples"`
	MeanPearson      float64 `json:"mean_pearson"`
	MeanRankIC       float64 `json:"mean_rank_ic"`
	AnnualReturn     float64 `json:"annual_return"`
	AnnualVolatility float64 `json:"annual_volatility"`
	Sharpe           float64 `json:"sharpe"`
	AnnualExcess     float64 `json:"annual_excess"`
	MaxDrawdown      float64 `json:"max_drawdown"`
}

// Summarize computes a Summary over the last samples entries of each series.
// Missing entries are ignored by the means and deviations; the drawdown is
// taken on the cumulative sum with missing returns counted as zero.
func Summarize(portfolio, market, rankIC, pearson []float64, samples int) Summary {
	p := tail(portfolio, samples)
	mean, std := nanMeanStd(p)
	mkt, _ := nanMeanStd(tail(market, samples))
	ic, _ := nanMeanStd(tail(rankIC, samples))
	pc, _ := nanMeanStd(tail(pearson, samples))

	return Summary{
		Samples:          len(p),
		MeanPearson:      pc,
		MeanRankIC:       ic,
		AnnualReturn:     mean * TradingDays,
		AnnualVolatility: std * math.Sqrt(TradingDays),
		Sharpe:           mean / std * math.Sqrt(TradingDays),
		AnnualExcess:     (mean - mkt) * TradingDays,
		MaxDrawdown:      MaxDrawdown(p),
	}
}

// MaxDrawdown returns the most negative distance between the cumulative
// return and its running maximum (0 when the curve never falls).
func MaxDrawdown(returns []float64) float64 {
	cum, peak, worst := 0.0, math.Inf(-1), 0.0
	for _, r := range returns {
		if !math.IsNaN(r) {
			cum += r
		}
		peak = math.Max(peak, cum)
		worst = math.Min(worst, cum-peak)
	}
	return worst
}

// CumulativeGrowth compounds log returns into a growth curve, treating
// missing returns as flat.
func CumulativeGrowth(logReturns []float64) []float64 {
	out := make([]float64, len(logReturns))
	cum := 0.0
	for i, r := range logReturns {
		if !math.IsNaN(r) {
			cum += r
		}
		out[i] = math.Exp(cum)
	}
	return out
}

func tail(v []float64, n int) []float64 {
	if n <= 0 || n >= len(v) {
		return v
	}
	return v[len(v)-n:]
}

// nanMeanStd returns the mean and population standard deviation of the
// non-missing values, NaN for both when none are present.
func nanMeanStd(v []float64) (float64, float64) {
	valid := make([]float64, 0, len(v))
	for _, x := range v {
		if !math.IsNaN(x) {
			valid = append(valid, x)
		}
	}
	if len(valid) == 0 {
		return math.NaN(), math.NaN()
	}
	return stat.PopMeanStdDev(valid, nil)
}

// Metrics flattens s into named values, each key prefixed by prefix.
func (s Summary) Metrics(prefix string) map[string]float64 {
	return map[string]float64{
		prefix + "samples":           float64(s.Samples),
		prefix + "mean_pearson":      s.MeanPearson,
		prefix + "mean_rank_ic":      s.MeanRankIC,
		prefix + "annual_return":     s.AnnualReturn,
		prefix + "annual_volatility": s.AnnualVolatility,
		prefix + "sharpe":            s.Sharpe,
		prefix + "annual_excess":     s.AnnualExcess,
		prefix + "max_drawdown":      s.MaxDrawdown,
	}
}
