package gather

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"factorlab/internal/domain"
	"factorlab/internal/store"
)

// BarRow is one line of a daily bar CSV file. A missing cumadj column
// imports unadjusted bars.
type BarRow struct {
	Symbol string  `csv:"symbol"`
	Date   string  `csv:"date"`
	Open   float64 `csv:"open"`
	High   float64 `csv:"high"`
	Low    float64 `csv:"low"`
	Close  float64 `csv:"close"`
	Volume float64 `csv:"volume"`
	CumAdj float64 `csv:"cumadj"`
}

var _ Gatherer = (*CSVImporter)(nil)

// CSVImporter loads a daily bar CSV file into a BarStore.
type CSVImporter struct {
	Path   string
	Market string
	Store  store.BarStore
}

// NewCSVImporter creates an importer for path into market.
func NewCSVImporter(path, market string, s store.BarStore) *CSVImporter {
	return &CSVImporter{Path: path, Market: market, Store: s}
}

// Name returns the gatherer identifier.
func (c *CSVImporter) Name() string { return "csv-import" }

// Run imports the file.
func (c *CSVImporter) Run(ctx context.Context) error {
	_, err := c.Import(ctx)
	return err
}

// Import parses every row and writes the bars, returning how many were
// written. Dates are YYYY-MM-DD or RFC 3339.
func (c *CSVImporter) Import(ctx context.Context) (int, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var rows []BarRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", c.Path, err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for i, r := range rows {
		bar, err := r.toBar()
		if err != nil {
			// Line 1 is the header.
			return 0, fmt.Errorf("%s line %d: %w", c.Path, i+2, err)
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return 0, nil
	}

	if err := c.Store.WriteBars(ctx, c.Market, bars); err != nil {
		return 0, fmt.Errorf("writing bars: %w", err)
	}
	slog.Default().Info("csv imported", "path", c.Path, "market", c.Market, "bars", len(bars))
	return len(bars), nil
}

func (r BarRow) toBar() (domain.Bar, error) {
	sym := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if sym == "" {
		return domain.Bar{}, fmt.Errorf("empty symbol")
	}
	ts, err := parseDate(r.Date)
	if err != nil {
		return domain.Bar{}, err
	}
	if r.CumAdj < 0 {
		return domain.Bar{}, fmt.Errorf("negative cumadj %v", r.CumAdj)
	}
	return domain.Bar{
		Symbol:    sym,
		Timestamp: ts,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    int64(r.Volume),
		CumAdj:    r.CumAdj,
	}, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q", s)
	}
	return domain.Day(t), nil
}

type symbolRow struct {
	Symbol string `csv:"symbol"`
}

// LoadSymbols reads the symbol column of a CSV universe file.
func LoadSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []symbolRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(rows))
	symbols := make([]string, 0, len(rows))
	for _, r := range rows {
		sym := strings.ToUpper(strings.TrimSpace(r.Symbol))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	return symbols, nil
}
