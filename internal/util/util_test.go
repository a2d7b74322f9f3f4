package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), "test", 5, 0, func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, targetAttempts, attempts)
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), "test", maxAttempts, 0, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	assert.EqualError(t, err, "persistent error")
	assert.Equal(t, maxAttempts, attempts)
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, "test", 3, time.Hour, func(context.Context) error {
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalendarDedupAndOrder(t *testing.T) {
	cal := NewCalendar([]time.Time{
		time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC),
	})

	require.Equal(t, 2, cal.Len())
	dates := cal.Dates()
	assert.True(t, dates[0].Before(dates[1]))
	assert.Equal(t, 1, cal.Index(time.Date(2024, 1, 3, 20, 0, 0, 0, time.UTC)))
	assert.False(t, cal.Contains(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)))
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWriter(&buf, "warn", "text")
	log.Info("hidden")
	log.Warn("shown", "k", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "k=1")

	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
}
