package research

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorlab/internal/combine"
	"factorlab/internal/config"
	"factorlab/internal/domain"
	"factorlab/internal/store"
)

const testDates = 60

func seedBars(t *testing.T, ps *store.ParquetStore) {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	var bars []domain.Bar
	for _, sym := range []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"} {
		price := 50 + 50*rng.Float64()
		for i := 0; i < testDates; i++ {
			price *= math.Exp(0.02 * rng.NormFloat64())
			bars = append(bars, domain.Bar{
				Symbol:    sym,
				Timestamp: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
				Open:      price,
				High:      price * 1.01,
				Low:       price * 0.99,
				Close:     price,
				Volume:    int64(1000 + rng.IntN(9000)),
				CumAdj:    1,
			})
		}
	}
	require.NoError(t, ps.WriteBars(context.Background(), "us", bars))
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.FactorDir = filepath.Join(dir, "factors")
	cfg.Storage.SQLitePath = filepath.Join(dir, "runs.db")
	cfg.Data.StartDate = "2023-01-01"
	cfg.Data.EndDate = "2023-12-31"
	cfg.Research.TestSize = 10
	cfg.Research.CVFolds = 3
	cfg.Research.TopK = 50
	cfg.Research.Workers = 2
	return cfg
}

func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	seedBars(t, bars)
	artifacts := store.NewArtifactStore(cfg.Storage.FactorDir)

	set, err := BuildFactors(ctx, cfg, bars, artifacts)
	require.NoError(t, err)
	assert.Equal(t, 10, set.Len())
	assert.True(t, artifacts.Exists(FactorsArtifact))
	assert.True(t, artifacts.Exists(ReturnsArtifact))

	runs, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	require.NoError(t, err)
	defer runs.Close()

	rep, err := Backtest(ctx, cfg, artifacts, runs)
	require.NoError(t, err)

	assert.Equal(t, "topk", rep.Strategy)
	assert.Len(t, rep.Result.Returns, testDates)
	assert.Greater(t, rep.TrainRows, 0)
	assert.Greater(t, rep.TestRows, 0)
	assert.Equal(t, 10, rep.WithFee.Samples)
	assert.GreaterOrEqual(t, rep.NoFee.AnnualReturn, rep.WithFee.AnnualReturn,
		"fees can only lower the return")
	assert.True(t, math.IsNaN(rep.Result.Returns[0]), "no signal before the factors warm up")

	require.NotEmpty(t, rep.RunID)
	run, err := runs.GetRun(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Len(t, run.Points, testDates)
	assert.Equal(t, "50", run.Params["top_k"])
	assert.Contains(t, run.Metrics, "fee.sharpe")
	assert.Contains(t, run.Metrics, "nofee.max_drawdown")
}

func TestBacktestWithoutArtifacts(t *testing.T) {
	cfg := testConfig(t.TempDir())
	_, err := Backtest(context.Background(), cfg, store.NewArtifactStore(cfg.Storage.FactorDir), nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBacktestEqualWeightWithSelection(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Research.Strategy = "equal"
	cfg.Research.SelectFeatures = true
	cfg.Research.Factors = []string{"PAST_RETURN_1", "PAST_RETURN_5", "PAST_RETURN_VOL_CORR5"}
	ctx := context.Background()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	seedBars(t, bars)
	artifacts := store.NewArtifactStore(cfg.Storage.FactorDir)
	_, err := BuildFactors(ctx, cfg, bars, artifacts)
	require.NoError(t, err)

	rep, err := Backtest(ctx, cfg, artifacts, nil)
	require.NoError(t, err)
	assert.Equal(t, "equal", rep.Strategy)
	assert.Empty(t, rep.RunID)
	assert.NotEmpty(t, rep.Features)
	assert.LessOrEqual(t, len(rep.Features), 3)
}

type failingRegressor struct{}

func (failingRegressor) Fit(context.Context, *combine.Dataset) error { return nil }
func (failingRegressor) Predict(*combine.Dataset) ([]float64, error) {
	return nil, errors.New("predict failed")
}

func TestScorePropagatesPredictError(t *testing.T) {
	d := &combine.Dataset{Features: []string{"F"}, X: [][]float64{{1}}, Y: []float64{1}}

	v, err := score(failingRegressor{}, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "predict failed")
	assert.True(t, math.IsNaN(v), "a failed prediction is never a score")
}
