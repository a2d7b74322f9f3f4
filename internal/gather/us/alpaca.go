// Package us gathers US equity daily bars from the Alpaca market data API.
package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"factorlab/internal/domain"
	"factorlab/internal/gather"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

const (
	adjustRaw marketdata.Adjustment = "raw"
	adjustAll marketdata.Adjustment = "all"
)

// barsClient is the subset of *marketdata.Client the gatherer uses.
type barsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// DailyBarConfig configures a DailyBarGatherer.
type DailyBarConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
	// BaseURL is the trading API used for the calendar when Range.End is zero.
	BaseURL string
	Feed    string

	Symbols []string
	Range   gather.DateRange

	BatchSize       int
	MaxWorkers      int
	RateLimitPerMin int
	MaxAttempts     int

	// ProgressDir holds the checkpoint files that make reruns resumable.
	ProgressDir string
}

// DailyBarGatherer gathers daily bars for a fixed symbol list. Every batch is
// fetched twice, raw and fully adjusted, and the ratio of the adjusted to the
// raw close becomes the bar's cumulative adjustment factor.
type DailyBarGatherer struct {
	client  barsClient
	store   store.BarStore
	cfg     DailyBarConfig
	limiter *rate.Limiter
	endDay  func() (time.Time, error)
	log     *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer writing into s.
func NewDailyBarGatherer(cfg DailyBarConfig, s store.BarStore) *DailyBarGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	g := newDailyBarGatherer(marketdata.NewClient(opts), cfg, s)
	g.endDay = func() (time.Time, error) {
		return LatestFinishedTradingDay(cfg.APIKey, cfg.APISecret, cfg.BaseURL)
	}
	return g
}

func newDailyBarGatherer(client barsClient, cfg DailyBarConfig, s store.BarStore) *DailyBarGatherer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}

	// Two requests per batch share one budget; zero disables limiting.
	limit := rate.Inf
	if cfg.RateLimitPerMin > 0 {
		limit = rate.Limit(float64(cfg.RateLimitPerMin) / 60)
	}

	return &DailyBarGatherer{
		client:  client,
		store:   s,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		endDay: func() (time.Time, error) {
			return time.Time{}, errors.New("no end date and no trading calendar")
		},
		log: slog.Default().With("gatherer", "us-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "us-daily" }

// Run fetches bars for every configured symbol and writes them to the store.
// It is resumable: symbols that returned nothing are remembered until the
// end date moves, and a completed end date is not fetched again.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	if len(g.cfg.Symbols) == 0 {
		return fmt.Errorf("us-daily: no symbols configured")
	}
	start := g.cfg.Range.Start
	end := g.cfg.Range.End
	if end.IsZero() {
		var err error
		if end, err = g.endDay(); err != nil {
			return fmt.Errorf("determining end date: %w", err)
		}
	}
	endStr := end.Format(time.DateOnly)

	tracker, err := newProgressTracker(g.cfg.ProgressDir)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	if tracker.IsCompleted(endStr) {
		g.log.Info("already completed", "endDate", endStr)
		return nil
	}
	if last := tracker.LastCompleted(); last != "" && last != endStr {
		// A new end date can turn empty symbols into hits.
		if err := tracker.Reset(); err != nil {
			return fmt.Errorf("resetting tracker: %w", err)
		}
	}

	var remaining []string
	for _, sym := range g.cfg.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || tracker.IsTriedEmpty(sym) {
			continue
		}
		remaining = append(remaining, sym)
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += g.cfg.BatchSize {
		batches = append(batches, remaining[i:min(i+g.cfg.BatchSize, len(remaining))])
	}

	g.log.Info("starting us-daily",
		"start", start.Format(time.DateOnly),
		"endDate", endStr,
		"symbols", len(g.cfg.Symbols),
		"remaining", len(remaining),
		"batches", len(batches),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg        sync.WaitGroup
		totalHits atomic.Int64
		totalMiss atomic.Int64
		failed    atomic.Int64
		runStart  = time.Now()
	)

	workers := min(g.cfg.MaxWorkers, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batchIdx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				label := fmt.Sprintf("%d/%d", batchIdx+1, len(batches))
				hits, misses, err := g.runBatch(ctx, tracker, batches[batchIdx], start, end)
				if err != nil {
					failed.Add(1)
					g.log.Error("batch failed", "batch", label, "err", err)
					continue
				}
				totalHits.Add(int64(hits))
				totalMiss.Add(int64(misses))
				g.log.Info("batch done",
					"batch", label,
					"hits", hits,
					"empty", misses,
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("us-daily: %d of %d batches failed", n, len(batches))
	}
	if err := tracker.MarkCompleted(endStr); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}

	g.log.Info("complete",
		"hits", totalHits.Load(),
		"empty", totalMiss.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

func (g *DailyBarGatherer) runBatch(ctx context.Context, tracker *progressTracker, batch []string, start, end time.Time) (hits, misses int, err error) {
	bars, err := g.fetchAdjustedBars(ctx, batch, start, end)
	if err != nil {
		return 0, 0, err
	}

	hit := make(map[string]struct{})
	for _, b := range bars {
		hit[b.Symbol] = struct{}{}
	}
	var empty []string
	for _, sym := range batch {
		if _, ok := hit[sym]; !ok {
			empty = append(empty, sym)
		}
	}

	if len(bars) > 0 {
		if err := g.store.WriteBars(ctx, string(domain.MarketUS), bars); err != nil {
			return 0, 0, fmt.Errorf("writing bars: %w", err)
		}
	}
	if len(empty) > 0 {
		if err := tracker.MarkEmpty(empty); err != nil {
			g.log.Error("marking empty failed", "err", err)
		}
	}
	return len(hit), len(empty), nil
}

// fetchAdjustedBars returns raw bars carrying CumAdj from the matching
// fully adjusted bar.
func (g *DailyBarGatherer) fetchAdjustedBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error) {
	raw, err := g.fetchMultiBars(ctx, symbols, start, end, adjustRaw)
	if err != nil {
		return nil, err
	}
	adjusted, err := g.fetchMultiBars(ctx, symbols, start, end, adjustAll)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for symbol, rawBars := range raw {
		adjClose := make(map[time.Time]float64, len(adjusted[symbol]))
		for _, ab := range adjusted[symbol] {
			adjClose[domain.Day(ab.Timestamp)] = ab.Close
		}
		for _, rb := range rawBars {
			bars = append(bars, domain.Bar{
				Symbol:    strings.ToUpper(symbol),
				Timestamp: domain.Day(rb.Timestamp),
				Open:      rb.Open,
				High:      rb.High,
				Low:       rb.Low,
				Close:     rb.Close,
				Volume:    int64(rb.Volume),
				CumAdj:    cumulativeAdjustment(rb.Close, adjClose[domain.Day(rb.Timestamp)]),
			})
		}
	}
	return bars, nil
}

// cumulativeAdjustment is adjusted/raw, or 1 when either close is unusable.
func cumulativeAdjustment(raw, adjusted float64) float64 {
	if raw <= 0 || adjusted <= 0 {
		return 1
	}
	return adjusted / raw
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API
// call, waiting on the rate limiter and retrying transient failures.
func (g *DailyBarGatherer) fetchMultiBars(ctx context.Context, symbols []string, start, end time.Time, adj marketdata.Adjustment) (map[string][]marketdata.Bar, error) {
	var out map[string][]marketdata.Bar
	op := fmt.Sprintf("GetMultiBars(%s, %d symbols)", adj, len(symbols))
	err := util.Retry(ctx, op, g.cfg.MaxAttempts, time.Second, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		bars, err := g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame:  marketdata.OneDay,
			Adjustment: adj,
			Start:      start,
			End:        end,
			Feed:       g.cfg.Feed,
		})
		if err != nil {
			return err
		}
		out = bars
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	return out, nil
}
