// Package provider builds adjusted date x instrument panels from stored
// daily bars.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/panel"
	"factorlab/internal/store"
	"factorlab/internal/util"
)

// Feature names exposed by a Provider.
const (
	OpenAdj  = "open_adj"
	HighAdj  = "high_adj"
	LowAdj   = "low_adj"
	CloseAdj = "close_adj"
	Volume   = "volume"
)

var featureOrder = []string{OpenAdj, HighAdj, LowAdj, CloseAdj, Volume}

// Provider holds the adjusted feature panels for one market and range. All
// panels share the same calendar and instrument axis.
type Provider struct {
	calendar    *util.Calendar
	instruments []string
	features    map[string]*panel.Panel
}

// Load reads bars for symbols in [start, end] and assembles the feature
// panels. An empty symbols list loads every symbol the reader knows for
// market. The calendar is the union of all bar dates; cells without a bar
// are NaN.
func Load(ctx context.Context, r store.BarReader, market string, symbols []string, start, end time.Time) (*Provider, error) {
	log := slog.Default().With("component", "provider", "market", market)

	if len(symbols) == 0 {
		var err error
		symbols, err = r.ListSymbols(ctx, market)
		if err != nil {
			return nil, fmt.Errorf("listing symbols: %w", err)
		}
	}

	bySymbol := make(map[string][]domain.Bar, len(symbols))
	var stamps []time.Time
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		if _, dup := bySymbol[sym]; dup {
			continue
		}
		bars, err := r.ReadBars(ctx, sym, market, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s: %w", sym, err)
		}
		if len(bars) == 0 {
			log.Debug("no bars in range", "symbol", sym)
			continue
		}
		bySymbol[sym] = bars
		for _, b := range bars {
			stamps = append(stamps, b.Timestamp)
		}
	}
	if len(bySymbol) == 0 {
		return nil, fmt.Errorf("no bars for %d symbols in %s between %s and %s",
			len(symbols), market, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	p := FromBars(util.NewCalendar(stamps), bySymbol)
	log.Info("panels loaded", "dates", p.calendar.Len(), "instruments", len(p.instruments))
	return p, nil
}

// FromBars assembles panels on cal for the given per-symbol bars. Bars on
// dates outside cal are ignored; a later bar for the same day wins.
func FromBars(cal *util.Calendar, bySymbol map[string][]domain.Bar) *Provider {
	instruments := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		instruments = append(instruments, sym)
	}
	sort.Strings(instruments)

	dates := cal.Dates()
	features := make(map[string]*panel.Panel, len(featureOrder))
	for _, name := range featureOrder {
		features[name] = panel.New(name, dates, instruments)
	}

	for j, sym := range instruments {
		for _, b := range bySymbol[sym] {
			i := cal.Index(b.Timestamp)
			if i < 0 {
				continue
			}
			adj := b.Adjustment()
			features[OpenAdj].Set(i, j, b.Open*adj)
			features[HighAdj].Set(i, j, b.High*adj)
			features[LowAdj].Set(i, j, b.Low*adj)
			features[CloseAdj].Set(i, j, b.Close*adj)
			features[Volume].Set(i, j, float64(b.Volume))
		}
	}

	return &Provider{calendar: cal, instruments: instruments, features: features}
}

// Feature returns the named panel.
func (p *Provider) Feature(name string) (*panel.Panel, error) {
	f, ok := p.features[name]
	if !ok {
		return nil, fmt.Errorf("unknown feature %q (have %s)", name, strings.Join(featureOrder, ", "))
	}
	return f, nil
}

// Features returns the feature names in a stable order.
func (p *Provider) Features() []string {
	return append([]string(nil), featureOrder...)
}

// Dates returns the calendar dates.
func (p *Provider) Dates() []time.Time { return p.calendar.Dates() }

// Instruments returns the sorted instrument axis.
func (p *Provider) Instruments() []string {
	return append([]string(nil), p.instruments...)
}

// Calendar returns the trade calendar the panels are indexed by.
func (p *Provider) Calendar() *util.Calendar { return p.calendar }
