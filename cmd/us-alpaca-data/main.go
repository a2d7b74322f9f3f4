package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"factorlab/internal/config"
	"factorlab/internal/gather"
	"factorlab/internal/gather/us"
	"factorlab/internal/research"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

func main() {
	symbolsFile := flag.String("symbols-file", "", "CSV file with a symbol column (overrides data.symbols)")
	reset := flag.Bool("reset", false, "forget progress and fetch every symbol again")
	flag.Parse()

	cfgPath := "config/factorlab.yaml"
	if p := os.Getenv("FACTORLAB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stderr + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/us-alpaca-data-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.Create(logFileName)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	w := io.MultiWriter(os.Stderr, logFile)
	util.SetDefault(util.NewLoggerWriter(w, cfg.Logging.Level, "text"))

	data := cfg.Data
	if *symbolsFile != "" {
		data.Symbols, data.SymbolsFile = nil, *symbolsFile
	}
	symbols, err := research.Universe(data)
	if err != nil {
		log.Fatalf("failed to load symbols: %v", err)
	}
	start, end, err := data.Range()
	if err != nil {
		log.Fatalf("invalid date range: %v", err)
	}
	if data.EndDate == "" {
		end = time.Time{}
	}

	progressDir := filepath.Join(cfg.Storage.DataDir, "us", "daily")
	if *reset {
		if err := us.ResetProgress(progressDir); err != nil {
			log.Fatalf("failed to reset progress: %v", err)
		}
	}

	gatherer := us.NewDailyBarGatherer(us.DailyBarConfig{
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
		ProgressDir:     progressDir,
	}, store.NewParquetStore(cfg.Storage.DataDir))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting us-alpaca-data", "logFile", logFileName, "symbols", len(symbols))
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gather error: %v", err)
	}
}
