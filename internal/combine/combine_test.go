package combine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorlab/internal/domain"
	"factorlab/internal/factor"
	"factorlab/internal/panel"
)

var nan = math.NaN()

func days(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2024, 2, 1+i, 0, 0, 0, 0, time.UTC)
	}
	return out
}

func grid(t *testing.T) (*factor.Set, *panel.Panel) {
	t.Helper()
	inst := []string{"A", "B"}
	f1, err := panel.FromRows("F1", days(4), inst, [][]float64{{nan, nan}, {1, 2}, {3, nan}, {5, 6}})
	require.NoError(t, err)
	f2, err := panel.FromRows("F2", days(4), inst, [][]float64{{nan, nan}, {10, 20}, {30, 40}, {50, 60}})
	require.NoError(t, err)
	set, err := factor.NewSet([]*panel.Panel{f1, f2})
	require.NoError(t, err)
	// Returns list the instruments in the opposite order.
	rets, err := panel.FromRows("RETURN", days(4), []string{"B", "A"}, [][]float64{{0, 0}, {0.2, 0.1}, {0.4, 0.3}, {nan, 0.5}})
	require.NoError(t, err)
	return set, rets
}

func TestSplitDropsMissingRows(t *testing.T) {
	set, rets := grid(t)
	train, test, err := Split(set, rets, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"F1", "F2"}, train.Features)
	require.Equal(t, 3, train.Len(), "day 0 has no factors, B on day 2 has no F1")
	assert.Equal(t, []string{"A", "B", "A"}, train.Instruments)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, train.Y)
	assert.Equal(t, []float64{3, 30}, train.X[2])

	require.Equal(t, 1, test.Len(), "B on the last day has no return")
	assert.Equal(t, days(4)[3], test.Dates[0])
	assert.Equal(t, 0.5, test.Y[0])
}

func TestSplitValidation(t *testing.T) {
	set, rets := grid(t)
	_, _, err := Split(set, rets, 4)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	other := panel.New("RETURN", days(4), []string{"A", "C"})
	_, _, err = Split(set, other, 1)
	assert.ErrorIs(t, err, domain.ErrStructuralMismatch)
}

type sumRegressor struct{}

func (sumRegressor) Fit(context.Context, *Dataset) error { return nil }

func (sumRegressor) Predict(d *Dataset) ([]float64, error) {
	out := make([]float64, d.Len())
	for r, row := range d.X {
		for _, v := range row {
			out[r] += v
		}
	}
	return out, nil
}

func TestUnpackScattersOntoGrid(t *testing.T) {
	set, rets := grid(t)
	train, test, err := Split(set, rets, 1)
	require.NoError(t, err)

	sig, err := Unpack(sumRegressor{}, train, test, set.Template())
	require.NoError(t, err)
	assert.Equal(t, "signals", sig.Name)
	assert.True(t, panel.AllMissing(sig.Row(0)))
	assert.Equal(t, []float64{11, 22}, sig.Row(1))
	assert.Equal(t, 33.0, sig.At(2, 0))
	assert.True(t, math.IsNaN(sig.At(2, 1)))
	assert.Equal(t, 55.0, sig.At(3, 0))
	assert.True(t, math.IsNaN(sig.At(3, 1)))
}

func TestDatasetSelect(t *testing.T) {
	set, rets := grid(t)
	train, _, err := Split(set, rets, 1)
	require.NoError(t, err)

	sub, err := train.Select([]bool{false, true})
	require.NoError(t, err)
	assert.Equal(t, []string{"F2"}, sub.Features)
	assert.Equal(t, []float64{30}, sub.X[2])
	assert.Equal(t, []float64{3, 30}, train.X[2], "original untouched")

	_, err = train.Select([]bool{true})
	assert.Error(t, err)
}

func TestKFoldContiguous(t *testing.T) {
	assert.Equal(t, []fold{{0, 4}, {4, 7}, {7, 10}}, kFold(10, 3))
	assert.Equal(t, []fold{{0, 2}, {2, 4}}, kFold(4, 2))
}

func TestAlphaGrid(t *testing.T) {
	x := []float64{-1, 0, 1}
	y := []float64{-2, 0, 2}
	g := alphaGrid([][]float64{x}, y, 5, 1e-3)
	require.Len(t, g, 5)
	assert.InDelta(t, 4.0/3.0, g[0], 1e-12)
	assert.InDelta(t, 4.0/3.0*1e-3, g[4], 1e-15)
	for i := 1; i < len(g); i++ {
		assert.Less(t, g[i], g[i-1])
	}

	flat := alphaGrid([][]float64{x}, []float64{1, 1, 1}, 3, 1e-3)
	assert.Equal(t, []float64{1e-15, 1e-15, 1e-15}, flat)
}

func TestSoftThreshold(t *testing.T) {
	assert.Equal(t, 2.0, softThreshold(3, 1))
	assert.Equal(t, -2.0, softThreshold(-3, 1))
	assert.Equal(t, 0.0, softThreshold(0.5, 1))
}

// linear builds y = 2·x1 + 1 with an alternating nuisance feature x2.
func linear(n int) *Dataset {
	d := &Dataset{Features: []string{"x1", "x2"}}
	for i := 0; i < n; i++ {
		x2 := 1.0
		if i%2 == 1 {
			x2 = -1
		}
		d.Dates = append(d.Dates, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i))
		d.Instruments = append(d.Instruments, "A")
		d.X = append(d.X, []float64{float64(i), x2})
		d.Y = append(d.Y, 2*float64(i)+1)
	}
	return d
}

func TestLassoRecoversLinearModel(t *testing.T) {
	d := linear(100)
	reg, err := NewLassoRegressor(5, 1e-6)
	require.NoError(t, err)
	require.NoError(t, reg.Fit(context.Background(), d))

	pred, err := reg.Predict(d)
	require.NoError(t, err)
	for r := range pred {
		assert.InDelta(t, d.Y[r], pred[r], 0.5)
	}
	coef := reg.Coef()
	assert.Greater(t, coef[0], 0.0)
	assert.Equal(t, 0.0, coef[1], "nuisance feature is excluded")
	assert.Greater(t, reg.Alpha(), 0.0)
}

func TestLassoSelector(t *testing.T) {
	sel, err := NewLassoSelector(5)
	require.NoError(t, err)
	mask, err := sel.Select(context.Background(), linear(60))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, mask)
	require.NotNil(t, sel.Fitted)

	_, err = NewLassoSelector(1)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLassoErrors(t *testing.T) {
	_, err := NewLassoRegressor(1, 1e-6)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = NewLassoRegressor(5, 0)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	reg, err := NewLassoRegressor(5, 1e-6)
	require.NoError(t, err)
	_, err = reg.Predict(linear(3))
	assert.ErrorContains(t, err, "before fit")
	assert.Error(t, reg.Fit(context.Background(), linear(3)), "fewer rows than folds")

	require.NoError(t, reg.Fit(context.Background(), linear(20)))
	bad := linear(2)
	bad.Features = []string{"x2", "x1"}
	_, err = reg.Predict(bad)
	assert.Error(t, err)
}

func TestLassoFitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg, err := NewLassoRegressor(3, 1e-6)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Fit(ctx, linear(30)), context.Canceled)
}

func TestCorrScore(t *testing.T) {
	assert.InDelta(t, 1.0, CorrScore([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.InDelta(t, 0.0, CorrScore([]float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.True(t, math.IsNaN(CorrScore([]float64{0, 0}, []float64{1, 1})))
	assert.True(t, math.IsNaN(CorrScore(nil, nil)))
}
