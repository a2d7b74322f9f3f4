package cli

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"factorlab/internal/evaluate"
	"factorlab/internal/research"
	"factorlab/internal/store"
)

func newFactorsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "factors",
		Short: "Build factor and return artifacts from stored bars",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			set, err := research.BuildFactors(cmd.Context(), cfg,
				store.NewParquetStore(cfg.Storage.DataDir),
				store.NewArtifactStore(cfg.Storage.FactorDir))
			if err != nil {
				return err
			}
			tmpl := set.Template()
			fmt.Fprintf(cmd.OutOrStdout(), "built %d factors over %d dates x %d instruments\n",
				set.Len(), len(tmpl.Dates), len(tmpl.Instruments))
			return nil
		},
	}
}

func newBacktestCmd(a *app) *cobra.Command {
	var (
		noRecord bool
		strat    string
		topK     int
		feeRate  float64
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Fit the lasso combiner and backtest its signal",
		Long: `Load factor artifacts, fit a cross-validated lasso on the training dates,
turn its predictions into signals and run the strategy with and without
fees. The fee-bearing run is recorded in the run database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if cmd.Flags().Changed("strategy") {
				cfg.Research.Strategy = strat
			}
			if cmd.Flags().Changed("top-k") {
				cfg.Research.TopK = topK
			}
			if cmd.Flags().Changed("fee-rate") {
				cfg.Research.FeeRate = feeRate
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var runs store.RunStore
			if !noRecord {
				db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
				if err != nil {
					return err
				}
				defer db.Close()
				runs = db
			}

			rep, err := research.Backtest(cmd.Context(), &cfg, store.NewArtifactStore(cfg.Storage.FactorDir), runs)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "do not record the run")
	cmd.Flags().StringVar(&strat, "strategy", "", "override research.strategy")
	cmd.Flags().IntVar(&topK, "top-k", 0, "override research.top_k")
	cmd.Flags().Float64Var(&feeRate, "fee-rate", 0, "override research.fee_rate")
	return cmd
}

func printReport(w io.Writer, rep *research.Report) {
	fmt.Fprintf(w, "strategy %s  fee_rate %g  alpha %.6g\n", rep.Strategy, rep.FeeRate, rep.Alpha)
	fmt.Fprintf(w, "features %v\n", rep.Features)
	fmt.Fprintf(w, "train rows %d  score %.4f  |  test rows %d  score %.4f\n",
		rep.TrainRows, rep.TrainScore, rep.TestRows, rep.TestScore)
	if rep.RunID != "" {
		fmt.Fprintf(w, "run %s\n", rep.RunID)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tno fee\twith fee\t")
	row := func(name string, f func(evaluate.Summary) float64) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", name, num(f(rep.NoFee)), num(f(rep.WithFee)))
	}
	row("mean pearson", func(s evaluate.Summary) float64 { return s.MeanPearson })
	row("mean rank ic", func(s evaluate.Summary) float64 { return s.MeanRankIC })
	row("annual return", func(s evaluate.Summary) float64 { return s.AnnualReturn })
	row("annual volatility", func(s evaluate.Summary) float64 { return s.AnnualVolatility })
	row("sharpe", func(s evaluate.Summary) float64 { return s.Sharpe })
	row("annual excess", func(s evaluate.Summary) float64 { return s.AnnualExcess })
	row("max drawdown", func(s evaluate.Summary) float64 { return s.MaxDrawdown })
	fmt.Fprintf(tw, "samples\t%d\t%d\t\n", rep.NoFee.Samples, rep.WithFee.Samples)
	tw.Flush()
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recorded runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewSQLiteStore(a.cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer db.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := db.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(w, run)
				return nil
			}

			runs, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSTRATEGY\tFEE\tSHARPE\tANNUAL RETURN")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\t%s\n",
					r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Strategy, r.FeeRate,
					metric(r.Metrics, "fee.sharpe"), metric(r.Metrics, "fee.annual_return"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func printRun(w io.Writer, run *store.Run) {
	fmt.Fprintf(w, "run %s\ncreated %s\nstrategy %s  fee_rate %g\n",
		run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Strategy, run.FeeRate)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(run.Params) {
		fmt.Fprintf(tw, "param %s\t%s\n", k, run.Params[k])
	}
	for _, k := range sortedKeys(run.Metrics) {
		fmt.Fprintf(tw, "metric %s\t%s\n", k, num(run.Metrics[k]))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d points\n", len(run.Points))
}

func metric(m map[string]float64, key string) string {
	v, ok := m[key]
	if !ok {
		return "-"
	}
	return num(v)
}
