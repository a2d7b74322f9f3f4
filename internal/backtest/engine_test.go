package backtest

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorlab/internal/domain"
	"factorlab/internal/panel"
	"factorlab/internal/strategy"
	"factorlab/internal/strategy/builtins"
	"factorlab/internal/util"
)

var nan = math.NaN()

func dates(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	return out
}

func mustPanel(t *testing.T, name string, instruments []string, rows [][]float64) *panel.Panel {
	t.Helper()
	p, err := panel.FromRows(name, dates(len(rows)), instruments, rows)
	require.NoError(t, err)
	return p
}

func topK(t *testing.T, k int) strategy.Strategy {
	t.Helper()
	s, err := builtins.NewTopK(k)
	require.NoError(t, err)
	return s
}

func newEngine(t *testing.T, s strategy.Strategy, fee float64, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(util.Discard())}, opts...)
	e, err := NewEngine(s, fee, opts...)
	require.NoError(t, err)
	return e
}

// countingStrategy wraps a strategy and counts Position calls.
type countingStrategy struct {
	strategy.Strategy
	calls atomic.Int64
}

func (c *countingStrategy) Position(cs panel.CrossSection) ([]float64, error) {
	c.calls.Add(1)
	return c.Strategy.Position(cs)
}

func TestTwoInstrumentScenario(t *testing.T) {
	instruments := []string{"S1", "S2"}
	signals := mustPanel(t, "signals", instruments, [][]float64{{1, 2}, {2, 1}, {nan, nan}})
	returns := mustPanel(t, "returns", instruments, [][]float64{{0.01, -0.01}, {0.02, 0.0}, {0.5, 0.5}})

	res, err := newEngine(t, topK(t, 50), 0).Run(context.Background(), signals, returns)
	require.NoError(t, err)

	require.Len(t, res.Returns, 3)
	assert.InDelta(t, -0.01, res.Returns[0], 1e-12)
	assert.InDelta(t, 0.02, res.Returns[1], 1e-12)
	assert.True(t, math.IsNaN(res.Returns[2]))

	assert.Equal(t, []float64{0, 1}, res.Steps[0].Position)
	assert.Equal(t, []float64{1, 0}, res.Steps[1].Position)
	assert.True(t, res.Steps[2].Skipped)
	assert.Nil(t, res.Steps[2].Position)
	assert.Equal(t, []float64{1, 0}, res.Final, "position carried from date 2 through the skipped date")
	assert.Equal(t, 1, res.Skipped)
}

func TestFullFlipChargesTwiceTheFee(t *testing.T) {
	instruments := []string{"S1", "S2"}
	signals := mustPanel(t, "signals", instruments, [][]float64{{1, 2}, {2, 1}})
	returns := mustPanel(t, "returns", instruments, [][]float64{{0.01, -0.01}, {0.02, 0.0}})
	fee := 0.01

	res, err := newEngine(t, topK(t, 50), fee).Run(context.Background(), signals, returns)
	require.NoError(t, err)

	// Opening from flat costs one unit of turnover.
	assert.InDelta(t, 1.0, res.Steps[0].Turnover, 1e-12)
	assert.InDelta(t, -0.01-fee, res.Returns[0], 1e-12)

	// S2 -> S1 is a full flip.
	assert.InDelta(t, 2.0, res.Steps[1].Turnover, 1e-12)
	assert.InDelta(t, 0.02-2*fee, res.Returns[1], 1e-12)
	assert.InDelta(t, 3.0, res.TotalTurnover, 1e-12)
}

func TestSkippedDayKeepsLastPosition(t *testing.T) {
	instruments := []string{"S1", "S2"}
	signals := mustPanel(t, "signals", instruments, [][]float64{{1, 2}, {nan, nan}, {1, 2}, {nan, nan}, {2, 1}})
	returns := mustPanel(t, "returns", instruments, [][]float64{{0.01, 0.02}, {0.3, 0.3}, {0.01, 0.02}, {0.3, 0.3}, {0.01, 0.02}})
	fee := 0.001

	res, err := newEngine(t, topK(t, 50), fee).Run(context.Background(), signals, returns)
	require.NoError(t, err)

	for _, i := range []int{1, 3} {
		step := res.Steps[i]
		assert.True(t, step.Skipped)
		assert.True(t, math.IsNaN(res.Returns[i]))
		assert.Zero(t, step.Fee, "no fee on a skipped date")
		assert.Zero(t, step.Turnover)
	}

	// Date 3 repeats date 1's book: the skip did not reset it to flat.
	assert.Zero(t, res.Steps[2].Turnover)
	assert.InDelta(t, 0.02, res.Returns[2], 1e-12)
	// Date 5 flips against date 3's book.
	assert.InDelta(t, 2.0, res.Steps[4].Turnover, 1e-12)
	assert.InDelta(t, 0.01-2*fee, res.Returns[4], 1e-12)
}

func TestFoldSkipIsIdempotent(t *testing.T) {
	f := newFold(2, 0.01, MissingAsZero)
	_, err := f.trade(dates(1)[0], []float64{0.5, 0.5}, []float64{0, 0}, []string{"A", "B"})
	require.NoError(t, err)

	before := append([]float64(nil), f.last...)
	for i := 0; i < 3; i++ {
		step := f.skip(dates(1)[0])
		assert.True(t, math.IsNaN(step.Net))
	}
	assert.Equal(t, before, f.last)
}

func TestMismatchedInstrumentsFailBeforeProcessing(t *testing.T) {
	signals := mustPanel(t, "signals", []string{"S1", "S2"}, [][]float64{{1, 2}})
	returns := mustPanel(t, "returns", []string{"S1", "S3"}, [][]float64{{0.01, 0.02}})

	cs := &countingStrategy{Strategy: topK(t, 50)}
	_, err := newEngine(t, cs, 0).Run(context.Background(), signals, returns)

	assert.ErrorIs(t, err, domain.ErrStructuralMismatch)
	var me *domain.MismatchError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "instrument", me.Axis)
	assert.Zero(t, cs.calls.Load(), "no date may be processed")
}

func TestMissingReturnDateFails(t *testing.T) {
	signals := mustPanel(t, "signals", []string{"S1"}, [][]float64{{1}, {2}})
	returns, err := panel.FromRows("returns", dates(1), []string{"S1"}, [][]float64{{0.01}})
	require.NoError(t, err)

	_, err = newEngine(t, topK(t, 50), 0).Run(context.Background(), signals, returns)
	var me *domain.MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "date", me.Axis)
}

func TestDescendingCalendarFails(t *testing.T) {
	d := dates(2)
	reversed := []time.Time{d[1], d[0]}
	signals, err := panel.FromRows("signals", reversed, []string{"S1", "S2"}, [][]float64{{1, 2}, {2, 1}})
	require.NoError(t, err)
	returns, err := panel.FromRows("returns", reversed, []string{"S1", "S2"}, [][]float64{{0.01, 0.02}, {0.02, 0.01}})
	require.NoError(t, err)

	cs := &countingStrategy{Strategy: topK(t, 50)}
	_, err = newEngine(t, cs, 0.01).Run(context.Background(), signals, returns)

	var me *domain.MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "date", me.Axis)
	assert.Zero(t, cs.calls.Load(), "no date may be processed")
}

func TestDuplicateSignalInstrumentFails(t *testing.T) {
	signals := mustPanel(t, "signals", []string{"S1", "S1"}, [][]float64{{1, 2}})
	returns := mustPanel(t, "returns", []string{"S1", "S2"}, [][]float64{{0.01, 0.02}})

	_, err := newEngine(t, topK(t, 50), 0).Run(context.Background(), signals, returns)
	var me *domain.MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "instrument", me.Axis)
}

func TestReturnsAlignedByLabel(t *testing.T) {
	signals := mustPanel(t, "signals", []string{"S1", "S2"}, [][]float64{{1, 2}})
	// Returns list instruments in the opposite order.
	returns := mustPanel(t, "returns", []string{"S2", "S1"}, [][]float64{{0.05, -0.01}})

	res, err := newEngine(t, topK(t, 50), 0).Run(context.Background(), signals, returns)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.Returns[0], 1e-12)
}

func TestMissingReturnPolicies(t *testing.T) {
	instruments := []string{"S1", "S2"}
	signals := mustPanel(t, "signals", instruments, [][]float64{{1, 2}, {2, 1}})
	returns := mustPanel(t, "returns", instruments, [][]float64{{0.3, nan}, {nan, 0.5}})

	res, err := newEngine(t, topK(t, 50), 0).Run(context.Background(), signals, returns)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Returns[0], "held S2 with no return contributes zero")
	assert.Equal(t, 0.0, res.Returns[1])

	_, err = newEngine(t, topK(t, 50), 0, WithMissingReturns(MissingStrict)).
		Run(context.Background(), signals, returns)
	assert.ErrorIs(t, err, domain.ErrMissingReturn)

	// Strict only cares about held names.
	ok := mustPanel(t, "returns", instruments, [][]float64{{nan, 0.1}, {0.2, nan}})
	res, err = newEngine(t, topK(t, 50), 0, WithMissingReturns(MissingStrict)).
		Run(context.Background(), signals, ok)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Returns[0], 1e-12)
	assert.InDelta(t, 0.2, res.Returns[1], 1e-12)
}

func TestFeeDragMonotoneInFeeRate(t *testing.T) {
	signals, returns := randomPanels(t, 60, 12, 11)

	var prev *Result
	for _, fee := range []float64{0, 0.0005, 0.001, 0.01} {
		res, err := newEngine(t, topK(t, 30), fee).Run(context.Background(), signals, returns)
		require.NoError(t, err)

		if prev != nil {
			for i := range res.Returns {
				if res.Steps[i].Skipped {
					continue
				}
				assert.Equal(t, prev.Steps[i].Turnover, res.Steps[i].Turnover, "positions do not depend on fee")
				assert.LessOrEqual(t, res.Returns[i], prev.Returns[i])
				assert.GreaterOrEqual(t, res.Steps[i].Fee, prev.Steps[i].Fee)
			}
		}
		prev = res
	}
}

func TestParallelPositionsMatchSequential(t *testing.T) {
	signals, returns := randomPanels(t, 80, 25, 3)
	s := topK(t, 20)

	seq, err := newEngine(t, s, 0.001).Run(context.Background(), signals, returns)
	require.NoError(t, err)
	par, err := newEngine(t, s, 0.001, WithWorkers(8)).Run(context.Background(), signals, returns)
	require.NoError(t, err)

	require.Len(t, par.Returns, len(seq.Returns))
	for i := range seq.Returns {
		if math.IsNaN(seq.Returns[i]) {
			assert.True(t, math.IsNaN(par.Returns[i]))
			continue
		}
		assert.Equal(t, seq.Returns[i], par.Returns[i])
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	signals, returns := randomPanels(t, 40, 10, 5)
	e := newEngine(t, topK(t, 40), 0.002)

	want, err := e.Run(context.Background(), signals, returns)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for g := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[g], errs[g] = e.Run(context.Background(), signals, returns)
		}()
	}
	wg.Wait()

	for g := range results {
		require.NoError(t, errs[g])
		assert.Equal(t, want.TotalTurnover, results[g].TotalTurnover)
		assert.Equal(t, want.Final, results[g].Final)
	}
}

func TestRunCancelled(t *testing.T) {
	signals, returns := randomPanels(t, 10, 4, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(t, topK(t, 50), 0).Run(ctx, signals, returns)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = newEngine(t, topK(t, 50), 0, WithWorkers(4)).Run(ctx, signals, returns)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, 0)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	for _, fee := range []float64{-0.1, nan, math.Inf(1)} {
		_, err = NewEngine(topK(t, 50), fee)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	}

	_, err = NewEngine(topK(t, 50), 0, WithMissingReturns(MissingReturnPolicy(9)))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestParseMissingReturnPolicy(t *testing.T) {
	p, err := ParseMissingReturnPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MissingAsZero, p)

	p, err = ParseMissingReturnPolicy("strict")
	require.NoError(t, err)
	assert.Equal(t, "strict", p.String())

	_, err = ParseMissingReturnPolicy("lenient")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

// badStrategy returns a malformed weight vector.
type badStrategy struct{ weights []float64 }

func (b badStrategy) Name() string { return "bad" }
func (b badStrategy) Position(panel.CrossSection) ([]float64, error) {
	return b.weights, nil
}

func TestMalformedPositionsRejected(t *testing.T) {
	signals := mustPanel(t, "signals", []string{"S1", "S2"}, [][]float64{{1, 2}})
	returns := mustPanel(t, "returns", []string{"S1", "S2"}, [][]float64{{0, 0}})

	_, err := newEngine(t, badStrategy{weights: []float64{1}}, 0).Run(context.Background(), signals, returns)
	assert.ErrorContains(t, err, "1 weights for 2 instruments")

	_, err = newEngine(t, badStrategy{weights: []float64{nan, 0}}, 0).Run(context.Background(), signals, returns)
	assert.ErrorContains(t, err, "non-finite")
}

func TestBacktestConvenience(t *testing.T) {
	instruments := []string{"S1", "S2"}
	signals := mustPanel(t, "signals", instruments, [][]float64{{1, 2}, {nan, nan}})
	returns := mustPanel(t, "returns", instruments, [][]float64{{0.01, 0.03}, {0.1, 0.1}})

	out, err := Backtest(context.Background(), signals, returns, topK(t, 50), 0.001)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.03-0.001, out[0], 1e-12)
	assert.True(t, math.IsNaN(out[1]))
}

// randomPanels builds signals with occasional missing cells and whole
// missing dates, plus dense returns.
func randomPanels(t *testing.T, n, m int, seed int64) (*panel.Panel, *panel.Panel) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	instruments := make([]string, m)
	for j := range instruments {
		instruments[j] = string(rune('A'+j%26)) + string(rune('a'+j/26))
	}
	sig := make([][]float64, n)
	ret := make([][]float64, n)
	for i := 0; i < n; i++ {
		sig[i] = make([]float64, m)
		ret[i] = make([]float64, m)
		allMissing := rng.Float64() < 0.1
		for j := 0; j < m; j++ {
			ret[i][j] = rng.NormFloat64() * 0.02
			if allMissing || rng.Float64() < 0.15 {
				sig[i][j] = nan
				continue
			}
			sig[i][j] = rng.NormFloat64()
		}
	}
	return mustPanel(t, "signals", instruments, sig), mustPanel(t, "returns", instruments, ret)
}
