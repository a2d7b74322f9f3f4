// Package backtest replays a signal panel through a position sizing strategy
// and turns the resulting positions into net portfolio returns.
//
// The replay is a fold over the signal calendar carrying a single piece of
// state, the position held after the last traded date. A date whose signal is
// missing for every instrument is skipped: it records a NaN return, charges
// no fee and leaves the carried position untouched.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"factorlab/internal/domain"
	"factorlab/internal/panel"
	"factorlab/internal/strategy"
)

// MissingReturnPolicy decides what a held instrument without a realized
// return contributes to the gross return.
type MissingReturnPolicy int

const (
	// MissingAsZero counts a missing return as zero contribution.
	MissingAsZero MissingReturnPolicy = iota
	// MissingStrict fails the run with domain.ErrMissingReturn.
	MissingStrict
)

// String returns the policy's configuration name.
func (p MissingReturnPolicy) String() string {
	switch p {
	case MissingAsZero:
		return "zero"
	case MissingStrict:
		return "strict"
	default:
		return fmt.Sprintf("MissingReturnPolicy(%d)", int(p))
	}
}

// ParseMissingReturnPolicy maps "zero" (or "") and "strict" to a policy.
func ParseMissingReturnPolicy(s string) (MissingReturnPolicy, error) {
	switch s {
	case "", "zero":
		return MissingAsZero, nil
	case "strict":
		return MissingStrict, nil
	default:
		return 0, &domain.ConfigError{
			Component: "backtest",
			Param:     "missing_returns",
			Value:     s,
			Reason:    `must be "zero" or "strict"`,
		}
	}
}

// Step records what happened on one calendar date.
type Step struct {
	Date     time.Time
	Skipped  bool
	Gross    float64
	Turnover float64
	Fee      float64
	Net      float64
	// Position is the weight vector realized on Date, nil when Skipped.
	Position []float64
}

// Result is the outcome of a single Run.
type Result struct {
	Strategy    string
	FeeRate     float64
	Dates       []time.Time
	Instruments []string
	// Returns holds one net return per date, NaN on skipped dates.
	Returns []float64
	Steps   []Step
	// Final is the position carried out of the last traded date.
	Final         []float64
	TotalTurnover float64
	Skipped       int
}

// Engine runs backtests for one strategy and fee rate. An Engine holds no
// per-run state and may serve concurrent Run calls.
type Engine struct {
	strategy strategy.Strategy
	feeRate  float64
	missing  MissingReturnPolicy
	workers  int
	log      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMissingReturns sets the missing-return policy (default MissingAsZero).
func WithMissingReturns(p MissingReturnPolicy) Option {
	return func(e *Engine) { e.missing = p }
}

// WithWorkers computes positions with n goroutines ahead of the fold.
// n <= 1 computes them inline.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an Engine. feeRate is the cost per unit of L1 turnover
// and must be finite and non-negative.
func NewEngine(s strategy.Strategy, feeRate float64, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, &domain.ConfigError{Component: "backtest", Param: "strategy", Value: nil, Reason: "is required"}
	}
	if math.IsNaN(feeRate) || math.IsInf(feeRate, 0) || feeRate < 0 {
		return nil, &domain.ConfigError{Component: "backtest", Param: "fee_rate", Value: feeRate, Reason: "must be finite and >= 0"}
	}
	e := &Engine{
		strategy: s,
		feeRate:  feeRate,
		missing:  MissingAsZero,
		workers:  1,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.missing != MissingAsZero && e.missing != MissingStrict {
		return nil, &domain.ConfigError{Component: "backtest", Param: "missing_returns", Value: int(e.missing), Reason: "unknown policy"}
	}
	e.log = e.log.With("component", "backtest", "strategy", s.Name())
	return e, nil
}

// Run replays signals against returns. Both panels must cover the same
// instruments, and returns must hold every signal date; otherwise Run fails
// with domain.ErrStructuralMismatch before any date is processed. The result
// is aligned 1:1 with signals.Dates.
func (e *Engine) Run(ctx context.Context, signals, returns *panel.Panel) (*Result, error) {
	align, err := panel.Align(signals, returns)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	positions, err := e.positions(ctx, signals)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Strategy:    e.strategy.Name(),
		FeeRate:     e.feeRate,
		Dates:       signals.Dates,
		Instruments: signals.Instruments,
		Returns:     make([]float64, len(signals.Dates)),
		Steps:       make([]Step, len(signals.Dates)),
	}

	f := newFold(len(signals.Instruments), e.feeRate, e.missing)
	rets := make([]float64, len(signals.Instruments))
	for i, date := range signals.Dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if positions[i] == nil {
			res.Steps[i] = f.skip(date)
			res.Returns[i] = math.NaN()
			res.Skipped++
			e.log.Debug("skipping date with no signal", "date", date.Format(time.DateOnly))
			continue
		}

		rets = align.Row(returns, i, rets)
		step, err := f.trade(date, positions[i], rets, signals.Instruments)
		if err != nil {
			return nil, err
		}
		res.Steps[i] = step
		res.Returns[i] = step.Net
		res.TotalTurnover += step.Turnover
	}
	res.Final = f.last

	e.log.Info("backtest complete",
		"dates", len(signals.Dates),
		"skipped", res.Skipped,
		"fee_rate", e.feeRate,
		"turnover", res.TotalTurnover,
	)
	return res, nil
}

// positions evaluates the strategy for every date with a defined signal.
// The strategy is a pure function of one cross-section, so dates may be
// computed in any order; a nil entry marks a skipped date.
func (e *Engine) positions(ctx context.Context, signals *panel.Panel) ([][]float64, error) {
	out := make([][]float64, len(signals.Dates))

	compute := func(i int) error {
		cs := signals.CrossSection(i)
		if panel.AllMissing(cs.Values) {
			return nil
		}
		pos, err := e.strategy.Position(cs)
		if err != nil {
			return fmt.Errorf("backtest: position on %s: %w", cs.Date.Format(time.DateOnly), err)
		}
		if err := checkPosition(pos, len(cs.Values)); err != nil {
			return fmt.Errorf("backtest: %s on %s: %w", e.strategy.Name(), cs.Date.Format(time.DateOnly), err)
		}
		out[i] = pos
		return nil
	}

	if e.workers <= 1 {
		for i := range signals.Dates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := compute(i); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range signals.Dates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return compute(i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkPosition(pos []float64, n int) error {
	if len(pos) != n {
		return fmt.Errorf("returned %d weights for %d instruments", len(pos), n)
	}
	for j, w := range pos {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("returned non-finite weight %v at instrument %d", w, j)
		}
	}
	return nil
}

// Backtest runs s over signals and returns with the given fee rate and
// default options, returning only the per-date net return series.
func Backtest(ctx context.Context, signals, returns *panel.Panel, s strategy.Strategy, feeRate float64) ([]float64, error) {
	e, err := NewEngine(s, feeRate)
	if err != nil {
		return nil, err
	}
	res, err := e.Run(ctx, signals, returns)
	if err != nil {
		return nil, err
	}
	return res.Returns, nil
}
