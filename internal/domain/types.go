// Package domain defines the core value types shared across the factorlab
// research pipeline.
package domain

import "time"

// Market identifies the exchange group a bar belongs to.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar represents a single daily OHLCV bar together with the cumulative
// corporate-action adjustment factor for that day.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	// CumAdj multiplies raw prices into adjusted prices. Zero means the
	// bar carries no adjustment information and is read as 1.
	CumAdj float64
}

// Adjustment returns the effective cumulative adjustment factor.
func (b Bar) Adjustment() float64 {
	if b.CumAdj == 0 {
		return 1
	}
	return b.CumAdj
}

// Day truncates t to midnight UTC, the key used for the trade calendar.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
