// Package cli implements the factorlab command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"factorlab/internal/config"
	"factorlab/internal/util"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

// app carries state shared by every subcommand.
type app struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
}

// NewRootCmd builds the factorlab command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "factorlab",
		Short: "Factor research and backtesting for daily equity bars",
		Long: `factorlab builds price/volume factors from daily bars, combines them
with a cross-validated lasso and backtests the resulting signal with
turnover-based fees.

Typical flow:
  factorlab import bars.csv     # or: factorlab gather
  factorlab factors
  factorlab backtest
  factorlab runs
  factorlab serve`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default $FACTORLAB_CONFIG, else built-in defaults)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newImportCmd(a),
		newGatherCmd(a),
		newSymbolsCmd(a),
		newFactorsCmd(a),
		newBacktestCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) load() error {
	path := a.cfgFile
	if path == "" {
		path = os.Getenv("FACTORLAB_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	util.SetDefault(util.NewLoggerWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	a.cfg = cfg
	return nil
}
