package combine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"factorlab/internal/domain"
)

// Regressor maps feature rows to a predicted target.
type Regressor interface {
	Fit(ctx context.Context, d *Dataset) error
	Predict(d *Dataset) ([]float64, error)
}

const (
	defaultAlphas  = 100
	defaultEps     = 1e-3
	defaultMaxIter = 1000
)

var _ Regressor = (*LassoRegressor)(nil)

// LassoRegressor standardises every feature and fits an L1-penalised linear
// model by coordinate descent. The penalty is chosen by K-fold cross
// validation over contiguous row blocks, minimising mean squared error on
// the held-out block, and the model is then refit on all rows.
//
// The objective for penalty a is (1/2n)·||y - Xw - b||² + a·||w||₁.
type LassoRegressor struct {
	Folds int
	// Tol scales the duality-gap stopping criterion by y·y.
	Tol float64
	// Alphas is the length of the log-spaced penalty grid (default 100).
	Alphas int
	// Eps sets the smallest penalty to Eps·alpha_max (default 1e-3).
	Eps float64
	// MaxIter bounds the coordinate sweeps per penalty (default 1000).
	MaxIter int
	// Workers bounds the folds fitted concurrently (default NumCPU).
	Workers int

	features  []string
	mean, std []float64
	coef      []float64
	intercept float64
	alpha     float64
	fitted    bool
}

// NewLassoRegressor validates folds (>= 2) and tol (> 0).
func NewLassoRegressor(folds int, tol float64) (*LassoRegressor, error) {
	if folds < 2 {
		return nil, &domain.ConfigError{Component: "combine", Param: "cv_folds", Value: folds, Reason: "must be >= 2"}
	}
	if !(tol > 0) || math.IsInf(tol, 0) {
		return nil, &domain.ConfigError{Component: "combine", Param: "lasso_tol", Value: tol, Reason: "must be finite and > 0"}
	}
	return &LassoRegressor{Folds: folds, Tol: tol}, nil
}

// Alpha returns the selected penalty.
func (l *LassoRegressor) Alpha() float64 { return l.alpha }

// Intercept returns the fitted intercept in target units.
func (l *LassoRegressor) Intercept() float64 { return l.intercept }

// Coef returns the coefficients on the standardised features.
func (l *LassoRegressor) Coef() []float64 { return append([]float64(nil), l.coef...) }

// Fit selects the penalty by cross validation and fits the final model.
func (l *LassoRegressor) Fit(ctx context.Context, d *Dataset) error {
	n, p := d.Len(), len(d.Features)
	if p == 0 {
		return fmt.Errorf("lasso: no features")
	}
	if n < l.Folds {
		return fmt.Errorf("lasso: %d rows cannot be split into %d folds", n, l.Folds)
	}
	l.defaults()

	l.features = append([]string(nil), d.Features...)
	l.mean = make([]float64, p)
	l.std = make([]float64, p)
	cols := make([][]float64, p)
	for j := range cols {
		col := d.Column(j)
		l.mean[j], l.std[j] = stat.PopMeanStdDev(col, nil)
		if l.std[j] == 0 {
			l.std[j] = 1
		}
		standardize(col, l.mean[j], l.std[j])
		cols[j] = col
	}

	grid := alphaGrid(cols, d.Y, l.Alphas, l.Eps)
	mse, err := l.crossValidate(ctx, cols, d.Y, grid)
	if err != nil {
		return err
	}
	best := 0
	for i := range mse {
		if mse[i] < mse[best] {
			best = i
		}
	}
	l.alpha = grid[best]

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	path := fitPath(cols, d.Y, all, []float64{l.alpha}, l.Tol, l.MaxIter)
	l.coef = path.coef[0]
	l.intercept = path.intercept[0]
	l.fitted = true

	slog.Default().Debug("lasso fitted",
		"component", "combine",
		"rows", n,
		"alpha", l.alpha,
		"nonzero", countNonZero(l.coef),
		"cv_mse", mse[best],
	)
	return nil
}

// Predict evaluates the fitted model on d, which must carry the same
// features in the same order as the training data.
func (l *LassoRegressor) Predict(d *Dataset) ([]float64, error) {
	if !l.fitted {
		return nil, fmt.Errorf("lasso: predict before fit")
	}
	if len(d.Features) != len(l.features) {
		return nil, fmt.Errorf("lasso: fitted on %d features, got %d", len(l.features), len(d.Features))
	}
	for j, f := range d.Features {
		if f != l.features[j] {
			return nil, fmt.Errorf("lasso: feature %d is %q, fitted on %q", j, f, l.features[j])
		}
	}
	out := make([]float64, d.Len())
	for r, row := range d.X {
		v := l.intercept
		for j, x := range row {
			v += l.coef[j] * (x - l.mean[j]) / l.std[j]
		}
		out[r] = v
	}
	return out, nil
}

func (l *LassoRegressor) defaults() {
	if l.Alphas <= 0 {
		l.Alphas = defaultAlphas
	}
	if l.Eps <= 0 {
		l.Eps = defaultEps
	}
	if l.MaxIter <= 0 {
		l.MaxIter = defaultMaxIter
	}
	if l.Workers <= 0 {
		l.Workers = runtime.NumCPU()
	}
}

// crossValidate returns the mean held-out squared error per grid entry.
func (l *LassoRegressor) crossValidate(ctx context.Context, cols [][]float64, y, grid []float64) ([]float64, error) {
	folds := kFold(len(y), l.Folds)
	perFold := make([][]float64, len(folds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.Workers)
	for k, f := range folds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			train := make([]int, 0, len(y)-(f.hi-f.lo))
			for i := range y {
				if i < f.lo || i >= f.hi {
					train = append(train, i)
				}
			}
			path := fitPath(cols, y, train, grid, l.Tol, l.MaxIter)
			errs := make([]float64, len(grid))
			for a := range grid {
				sum := 0.0
				for i := f.lo; i < f.hi; i++ {
					pred := path.intercept[a]
					for j, col := range cols {
						pred += path.coef[a][j] * col[i]
					}
					diff := y[i] - pred
					sum += diff * diff
				}
				errs[a] = sum / float64(f.hi-f.lo)
			}
			perFold[k] = errs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mean := make([]float64, len(grid))
	for _, errs := range perFold {
		floats.Add(mean, errs)
	}
	floats.Scale(1/float64(len(folds)), mean)
	return mean, nil
}

type fold struct{ lo, hi int }

// kFold splits n rows into k contiguous blocks; the first n%k blocks hold one
// extra row.
func kFold(n, k int) []fold {
	out := make([]fold, k)
	lo := 0
	for i := range out {
		size := n / k
		if i < n%k {
			size++
		}
		out[i] = fold{lo: lo, hi: lo + size}
		lo += size
	}
	return out
}

// alphaGrid returns a descending log-spaced grid from the smallest penalty
// that zeroes every coefficient down to eps times that value.
func alphaGrid(cols [][]float64, y []float64, size int, eps float64) []float64 {
	n := float64(len(y))
	ym := stat.Mean(y, nil)
	yc := make([]float64, len(y))
	for i, v := range y {
		yc[i] = v - ym
	}
	maxAlpha := 0.0
	for _, col := range cols {
		xm := stat.Mean(col, nil)
		dot := 0.0
		for i, x := range col {
			dot += (x - xm) * yc[i]
		}
		maxAlpha = math.Max(maxAlpha, math.Abs(dot)/n)
	}

	grid := make([]float64, size)
	if maxAlpha <= 1e-15 {
		for i := range grid {
			grid[i] = 1e-15
		}
		return grid
	}
	if size == 1 {
		grid[0] = maxAlpha
		return grid
	}
	hi, lo := math.Log10(maxAlpha), math.Log10(maxAlpha*eps)
	for i := range grid {
		grid[i] = math.Pow(10, hi-(hi-lo)*float64(i)/float64(size-1))
	}
	return grid
}

type lassoPath struct {
	coef      [][]float64
	intercept []float64
}

// fitPath fits the rows in idx for each penalty in alphas, warm starting
// each fit from the previous one.
func fitPath(cols [][]float64, y []float64, idx []int, alphas []float64, tol float64, maxIter int) lassoPath {
	p := len(cols)
	xs := make([][]float64, p)
	xm := make([]float64, p)
	for j, col := range cols {
		sub := make([]float64, len(idx))
		for r, i := range idx {
			sub[r] = col[i]
		}
		xm[j] = stat.Mean(sub, nil)
		floats.AddConst(-xm[j], sub)
		xs[j] = sub
	}
	ys := make([]float64, len(idx))
	for r, i := range idx {
		ys[r] = y[i]
	}
	ym := stat.Mean(ys, nil)
	floats.AddConst(-ym, ys)

	out := lassoPath{coef: make([][]float64, len(alphas)), intercept: make([]float64, len(alphas))}
	w := make([]float64, p)
	for a, alpha := range alphas {
		coordinateDescent(w, xs, ys, alpha, tol, maxIter)
		out.coef[a] = append([]float64(nil), w...)
		out.intercept[a] = ym - floats.Dot(xm, w)
	}
	return out
}

// coordinateDescent minimises the lasso objective for centred xs and y in
// place of w. It stops once the duality gap falls below tol·(y·y).
func coordinateDescent(w []float64, xs [][]float64, y []float64, alpha, tol float64, maxIter int) bool {
	a := alpha * float64(len(y))
	norms := make([]float64, len(xs))
	for j, x := range xs {
		norms[j] = floats.Dot(x, x)
	}
	resid := append([]float64(nil), y...)
	for j, x := range xs {
		if w[j] != 0 {
			floats.AddScaled(resid, -w[j], x)
		}
	}
	gapTol := tol * floats.Dot(y, y)

	for iter := 0; iter < maxIter; iter++ {
		wMax, dwMax := 0.0, 0.0
		for j, x := range xs {
			if norms[j] == 0 {
				continue
			}
			old := w[j]
			if old != 0 {
				floats.AddScaled(resid, old, x)
			}
			w[j] = softThreshold(floats.Dot(x, resid), a) / norms[j]
			if w[j] != 0 {
				floats.AddScaled(resid, -w[j], x)
			}
			dwMax = math.Max(dwMax, math.Abs(w[j]-old))
			wMax = math.Max(wMax, math.Abs(w[j]))
		}
		if wMax == 0 || dwMax/wMax < tol || iter == maxIter-1 {
			if dualityGap(w, xs, y, resid, a) <= gapTol {
				return true
			}
		}
	}
	return false
}

func dualityGap(w []float64, xs [][]float64, y, resid []float64, a float64) float64 {
	dualNorm := 0.0
	for _, x := range xs {
		dualNorm = math.Max(dualNorm, math.Abs(floats.Dot(x, resid)))
	}
	rNorm2 := floats.Dot(resid, resid)
	scale, gap := 1.0, rNorm2
	if dualNorm > a {
		scale = a / dualNorm
		gap = 0.5 * (rNorm2 + rNorm2*scale*scale)
	}
	l1 := 0.0
	for _, v := range w {
		l1 += math.Abs(v)
	}
	return gap + a*l1 - scale*floats.Dot(resid, y)
}

func softThreshold(z, a float64) float64 {
	switch {
	case z > a:
		return z - a
	case z < -a:
		return z + a
	default:
		return 0
	}
}

func standardize(v []float64, mean, std float64) {
	for i := range v {
		v[i] = (v[i] - mean) / std
	}
}

func countNonZero(v []float64) int {
	n := 0
	for _, x := range v {
		if x != 0 {
			n++
		}
	}
	return n
}
