// Package store defines storage interfaces for persisting and retrieving
// daily bars, panel artifacts and backtest runs.
package store

import (
	"context"
	"errors"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/panel"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BarReader reads OHLCV bar data.
type BarReader interface {
	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	BarReader

	// WriteBars persists a batch of bars for one market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error
}

// PanelStore persists named collections of panels sharing the same axes.
type PanelStore interface {
	// WritePanels replaces the artifact called name.
	WritePanels(ctx context.Context, name string, panels []*panel.Panel) error

	// ReadPanels loads the artifact called name, in the order written.
	ReadPanels(ctx context.Context, name string) ([]*panel.Panel, error)
}

// RunStore records backtest runs.
type RunStore interface {
	// SaveRun inserts a run, assigning ID and CreatedAt when unset.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run with its return series.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs without their series, up to limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Run is a persisted backtest run.
type Run struct {
	ID        string
	CreatedAt time.Time
	Strategy  string
	FeeRate   float64
	Params    map[string]string
	Metrics   map[string]float64
	Points    []RunPoint
}

// RunPoint is one date of a run's return series. Net and Gross are NaN on
// skipped dates.
type RunPoint struct {
	Date     time.Time
	Skipped  bool
	Gross    float64
	Turnover float64
	Net      float64
}
