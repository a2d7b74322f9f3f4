package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// sessionSettled is when a day's consolidated bar is considered final, ET.
const (
	settledHour   = 20
	settledMinute = 5
)

// LatestFinishedTradingDay returns the most recent trading day whose session
// has settled, using the Alpaca trading calendar.
func LatestFinishedTradingDay(apiKey, apiSecret, baseURL string) (time.Time, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})

	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}
	now := time.Now().In(et)

	calendar, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}

	days := make([]string, len(calendar))
	for i, d := range calendar {
		days[i] = d.Date
	}
	return latestFinished(days, now)
}

// latestFinished picks the last day in days (ascending YYYY-MM-DD) that is
// before now, counting today only once its session has settled.
func latestFinished(days []string, now time.Time) (time.Time, error) {
	today := now.Format(time.DateOnly)
	settled := time.Date(now.Year(), now.Month(), now.Day(), settledHour, settledMinute, 0, 0, now.Location())

	for i := len(days) - 1; i >= 0; i-- {
		if days[i] == today && !now.After(settled) {
			continue
		}
		d, err := time.Parse(time.DateOnly, days[i])
		if err != nil {
			continue
		}
		if days[i] == today || d.Before(now) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("no finished trading day among %d calendar days", len(days))
}
