package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"factorlab/internal/gather"
	"factorlab/internal/gather/us"
	"factorlab/internal/research"
	"factorlab/internal/store"
)

func newImportCmd(a *app) *cobra.Command {
	var market string
	cmd := &cobra.Command{
		Use:   "import <csv>...",
		Short: "Import daily bars from CSV files",
		Long: `Import daily bars into the bar store. Each file needs a header with
symbol,date,open,high,low,close,volume and optionally cumadj.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if market == "" {
				market = a.cfg.Data.Market
			}
			bars := store.NewParquetStore(a.cfg.Storage.DataDir)
			total := 0
			for _, path := range args {
				n, err := gather.NewCSVImporter(path, market, bars).Import(cmd.Context())
				if err != nil {
					return err
				}
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d bars from %d files\n", total, len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&market, "market", "", "market to import into (default data.market)")
	return cmd
}

func newGatherCmd(a *app) *cobra.Command {
	var symbolsFile string
	cmd := &cobra.Command{
		Use:   "gather",
		Short: "Fetch daily bars from Alpaca",
		Long: `Fetch raw and adjusted daily bars for the configured symbols from the
Alpaca market data API and store them with their cumulative adjustment.
Reruns resume where a previous run stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			data := cfg.Data
			if symbolsFile != "" {
				data.Symbols, data.SymbolsFile = nil, symbolsFile
			}
			symbols, err := research.Universe(data)
			if err != nil {
				return err
			}
			if len(symbols) == 0 {
				return fmt.Errorf("gather: no symbols configured (set data.symbols, data.symbols_file or --symbols-file)")
			}
			start, end, err := data.Range()
			if err != nil {
				return err
			}
			if cfg.Data.EndDate == "" {
				// Zero end resolves to the last settled trading day.
				end = time.Time{}
			}

			g := us.NewDailyBarGatherer(us.DailyBarConfig{
				APIKey:          cfg.Alpaca.APIKey,
				APISecret:       cfg.Alpaca.APISecret,
				DataURL:         cfg.Alpaca.DataURL,
				BaseURL:         cfg.Alpaca.BaseURL,
				Feed:            cfg.Alpaca.Feed,
				Symbols:         symbols,
				Range:           gather.DateRange{Start: start, End: end},
				BatchSize:       cfg.Gather.BatchSize,
				MaxWorkers:      cfg.Gather.MaxWorkers,
				RateLimitPerMin: cfg.Gather.RateLimitPerMin,
				MaxAttempts:     cfg.Gather.MaxAttempts,
				ProgressDir:     filepath.Join(cfg.Storage.DataDir, "us", "daily"),
			}, store.NewParquetStore(cfg.Storage.DataDir))
			return g.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&symbolsFile, "symbols-file", "", "CSV file with a symbol column (overrides data.symbols)")
	return cmd
}

func newSymbolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols",
		Short: "List symbols in the bar store",
		RunE: func(cmd *cobra.Command, args []string) error {
			syms, err := store.NewParquetStore(a.cfg.Storage.DataDir).ListSymbols(cmd.Context(), a.cfg.Data.Market)
			if err != nil {
				return err
			}
			for _, s := range syms {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}
