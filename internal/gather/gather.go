// Package gather fetches or imports daily bars into the bar store.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns early when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching. A zero End means the
// latest finished trading day.
type DateRange struct {
	Start time.Time
	End   time.Time
}
