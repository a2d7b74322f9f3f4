// Package research wires the pipeline stages together: bars to factor
// artifacts, and factor artifacts to a recorded backtest.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"

	"factorlab/internal/backtest"
	"factorlab/internal/combine"
	"factorlab/internal/config"
	"factorlab/internal/evaluate"
	"factorlab/internal/factor"
	"factorlab/internal/gather"
	"factorlab/internal/panel"
	"factorlab/internal/provider"
	"factorlab/internal/store"
	"factorlab/internal/strategy/builtins"
)

// Artifact names in the PanelStore.
const (
	FactorsArtifact = "factors"
	ReturnsArtifact = "returns"
)

// Universe returns the configured symbols, reading data.symbols_file when
// the inline list is empty. An empty result means every stored symbol.
func Universe(d config.Data) ([]string, error) {
	if len(d.Symbols) > 0 || d.SymbolsFile == "" {
		return d.Symbols, nil
	}
	return gather.LoadSymbols(d.SymbolsFile)
}

// BuildFactors loads bars, assembles the configured factors and the target
// returns, and persists both artifacts.
func BuildFactors(ctx context.Context, cfg *config.Config, bars store.BarReader, artifacts store.PanelStore) (*factor.Set, error) {
	start, end, err := cfg.Data.Range()
	if err != nil {
		return nil, err
	}
	symbols, err := Universe(cfg.Data)
	if err != nil {
		return nil, err
	}
	src, err := provider.Load(ctx, bars, cfg.Data.Market, symbols, start, end)
	if err != nil {
		return nil, err
	}

	builders, err := factor.DefaultRegistry().Select(cfg.Research.Factors...)
	if err != nil {
		return nil, err
	}
	set, err := factor.Assemble(ctx, src, builders, cfg.Research.Workers)
	if err != nil {
		return nil, err
	}
	returns, err := factor.Returns(src)
	if err != nil {
		return nil, err
	}

	if err := artifacts.WritePanels(ctx, FactorsArtifact, set.Panels); err != nil {
		return nil, err
	}
	if err := artifacts.WritePanels(ctx, ReturnsArtifact, []*panel.Panel{returns}); err != nil {
		return nil, err
	}
	slog.Default().Info("factor artifacts written",
		"component", "research",
		"factors", set.Len(),
		"dates", len(returns.Dates),
		"instruments", len(returns.Instruments),
	)
	return set, nil
}

// Report is the outcome of one research backtest.
type Report struct {
	RunID     string
	Strategy  string
	FeeRate   float64
	Features  []string
	Alpha     float64
	TrainRows int
	TestRows  int
	// TrainScore and TestScore are CorrScore of predictions against targets.
	TrainScore float64
	TestScore  float64
	NoFee      evaluate.Summary
	WithFee    evaluate.Summary
	Result     *backtest.Result
}

// Backtest loads the factor artifacts, fits the combiner on the training
// dates, turns its predictions into signals and evaluates the configured
// strategy with and without fees over the test window. When runs is not nil
// the fee-bearing run is recorded.
func Backtest(ctx context.Context, cfg *config.Config, artifacts store.PanelStore, runs store.RunStore) (*Report, error) {
	rc := cfg.Research
	log := slog.Default().With("component", "research")

	factorPanels, err := artifacts.ReadPanels(ctx, FactorsArtifact)
	if err != nil {
		return nil, err
	}
	set, err := factor.NewSet(factorPanels)
	if err != nil {
		return nil, err
	}
	returnPanels, err := artifacts.ReadPanels(ctx, ReturnsArtifact)
	if err != nil {
		return nil, err
	}
	if len(returnPanels) != 1 {
		return nil, fmt.Errorf("%s artifact holds %d panels, want 1", ReturnsArtifact, len(returnPanels))
	}
	returns := returnPanels[0]

	train, test, err := combine.Split(set, returns, rc.TestSize)
	if err != nil {
		return nil, err
	}
	log.Info("dataset split", "train_rows", train.Len(), "test_rows", test.Len(), "test_dates", rc.TestSize)

	if rc.SelectFeatures {
		if train, test, err = selectFeatures(ctx, rc.CVFolds, train, test); err != nil {
			return nil, err
		}
		log.Info("features selected", "features", train.Features)
	}

	reg, err := combine.NewLassoRegressor(rc.CVFolds, rc.LassoTol)
	if err != nil {
		return nil, err
	}
	if err := reg.Fit(ctx, train); err != nil {
		return nil, err
	}
	signals, err := combine.Unpack(reg, train, test, set.Template())
	if err != nil {
		return nil, err
	}

	strategies, err := builtins.NewRegistry(rc.TopK)
	if err != nil {
		return nil, err
	}
	strat, err := strategies.Lookup(rc.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := backtest.ParseMissingReturnPolicy(rc.MissingReturns)
	if err != nil {
		return nil, err
	}
	opts := []backtest.Option{backtest.WithMissingReturns(policy), backtest.WithWorkers(rc.Workers)}

	noFeeEngine, err := backtest.NewEngine(strat, 0, opts...)
	if err != nil {
		return nil, err
	}
	feeEngine, err := backtest.NewEngine(strat, rc.FeeRate, opts...)
	if err != nil {
		return nil, err
	}
	noFee, err := noFeeEngine.Run(ctx, signals, returns)
	if err != nil {
		return nil, err
	}
	withFee, err := feeEngine.Run(ctx, signals, returns)
	if err != nil {
		return nil, err
	}

	rankIC, err := evaluate.RankIC(signals, returns)
	if err != nil {
		return nil, err
	}
	pearson, err := evaluate.PearsonCorr(signals, returns)
	if err != nil {
		return nil, err
	}
	market := evaluate.MarketReturn(returns)

	trainScore, err := score(reg, train)
	if err != nil {
		return nil, err
	}
	testScore, err := score(reg, test)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Strategy:   strat.Name(),
		FeeRate:    rc.FeeRate,
		Features:   train.Features,
		Alpha:      reg.Alpha(),
		TrainRows:  train.Len(),
		TestRows:   test.Len(),
		TrainScore: trainScore,
		TestScore:  testScore,
		NoFee:      evaluate.Summarize(noFee.Returns, market, rankIC, pearson, rc.TestSize),
		WithFee:    evaluate.Summarize(withFee.Returns, market, rankIC, pearson, rc.TestSize),
		Result:     withFee,
	}

	if runs != nil {
		run := newRun(rep, rc)
		if err := runs.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}
		rep.RunID = run.ID
		log.Info("run recorded", "id", run.ID)
	}
	return rep, nil
}

func selectFeatures(ctx context.Context, folds int, train, test *combine.Dataset) (*combine.Dataset, *combine.Dataset, error) {
	sel, err := combine.NewLassoSelector(folds)
	if err != nil {
		return nil, nil, err
	}
	mask, err := sel.Select(ctx, train)
	if err != nil {
		return nil, nil, err
	}
	kept := 0
	for _, ok := range mask {
		if ok {
			kept++
		}
	}
	if kept == 0 {
		// Nothing survived; fall back to every feature.
		return train, test, nil
	}
	if train, err = train.Select(mask); err != nil {
		return nil, nil, err
	}
	if test, err = test.Select(mask); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// score is CorrScore of reg's predictions on d against its targets.
func score(reg combine.Regressor, d *combine.Dataset) (float64, error) {
	pred, err := reg.Predict(d)
	if err != nil {
		return math.NaN(), fmt.Errorf("scoring: %w", err)
	}
	return combine.CorrScore(pred, d.Y), nil
}

func newRun(rep *Report, rc config.Research) *store.Run {
	metrics := rep.WithFee.Metrics("fee.")
	maps.Copy(metrics, rep.NoFee.Metrics("nofee."))
	metrics["alpha"] = rep.Alpha
	metrics["train_score"] = rep.TrainScore
	metrics["test_score"] = rep.TestScore
	metrics["total_turnover"] = rep.Result.TotalTurnover

	run := &store.Run{
		Strategy: rep.Strategy,
		FeeRate:  rep.FeeRate,
		Params: map[string]string{
			"top_k":           strconv.Itoa(rc.TopK),
			"test_size":       strconv.Itoa(rc.TestSize),
			"cv_folds":        strconv.Itoa(rc.CVFolds),
			"missing_returns": rc.MissingReturns,
			"select_features": strconv.FormatBool(rc.SelectFeatures),
		},
		Metrics: metrics,
		Points:  make([]store.RunPoint, len(rep.Result.Steps)),
	}
	for i, s := range rep.Result.Steps {
		run.Points[i] = store.RunPoint{
			Date:     s.Date,
			Skipped:  s.Skipped,
			Gross:    s.Gross,
			Turnover: s.Turnover,
			Net:      s.Net,
		}
	}
	return run
}
