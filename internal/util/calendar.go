package util

import (
	"sort"
	"time"

	"factorlab/internal/domain"
)

// Calendar is an ascending, deduplicated sequence of trade dates. It defines
// the iteration order of every date-indexed computation.
type Calendar struct {
	dates []time.Time
	index map[time.Time]int
}

// NewCalendar builds a Calendar from arbitrary timestamps. Each timestamp is
// truncated to its UTC day before deduplication.
func NewCalendar(timestamps []time.Time) *Calendar {
	seen := make(map[time.Time]struct{}, len(timestamps))
	dates := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		d := domain.Day(ts)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	index := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}
	return &Calendar{dates: dates, index: index}
}

// Len returns the number of trade dates.
func (c *Calendar) Len() int { return len(c.dates) }

// Dates returns a copy of the ordered dates.
func (c *Calendar) Dates() []time.Time {
	return append([]time.Time(nil), c.dates...)
}

// Index returns the position of t's trade day, or -1 if absent.
func (c *Calendar) Index(t time.Time) int {
	if i, ok := c.index[domain.Day(t)]; ok {
		return i
	}
	return -1
}

// Contains reports whether t's trade day is on the calendar.
func (c *Calendar) Contains(t time.Time) bool {
	return c.Index(t) >= 0
}
