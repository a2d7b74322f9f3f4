package us

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"factorlab/internal/gather"
	"factorlab/internal/store"
)

type fakeClient struct {
	mu    sync.Mutex
	calls int
	bars  map[marketdata.Adjustment]map[string][]marketdata.Bar
	err   error
}

func (f *fakeClient) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]marketdata.Bar)
	for _, s := range symbols {
		if b, ok := f.bars[req.Adjustment][s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

func day(d int) time.Time { return time.Date(2024, 3, d, 5, 0, 0, 0, time.UTC) }

func testConfig(dir string) DailyBarConfig {
	return DailyBarConfig{
		Symbols:     []string{"aaa", "ZZZ"},
		Range:       gather.DateRange{Start: day(1), End: day(31)},
		BatchSize:   1,
		MaxWorkers:  2,
		MaxAttempts: 1,
		ProgressDir: filepath.Join(dir, "progress"),
	}
}

func TestDailyBarGathererName(t *testing.T) {
	g := NewDailyBarGatherer(DailyBarConfig{APIKey: "key", APISecret: "secret"}, nil)
	if got := g.Name(); got != "us-daily" {
		t.Errorf("DailyBarGatherer.Name() = %q, want %q", got, "us-daily")
	}
}

func TestDailyBarGathererDerivesCumAdj(t *testing.T) {
	dir := t.TempDir()
	ps := store.NewParquetStore(dir)
	client := &fakeClient{bars: map[marketdata.Adjustment]map[string][]marketdata.Bar{
		adjustRaw: {"AAA": {
			{Timestamp: day(4), Open: 99, High: 101, Low: 98, Close: 100, Volume: 1000},
			{Timestamp: day(5), Open: 100, High: 111, Low: 100, Close: 110, Volume: 2000},
		}},
		adjustAll: {"AAA": {
			{Timestamp: day(4), Close: 50},
			{Timestamp: day(5), Close: 110},
		}},
	}}

	g := newDailyBarGatherer(client, testConfig(dir), ps)
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	bars, err := ps.ReadBars(context.Background(), "AAA", "us", day(1), day(31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[0].Close != 100 || bars[0].CumAdj != 0.5 {
		t.Errorf("bar 0 = %+v, want raw close 100 with cumadj 0.5", bars[0])
	}
	if bars[1].CumAdj != 1 {
		t.Errorf("bar 1 cumadj = %v, want 1", bars[1].CumAdj)
	}
	if bars[0].Timestamp.Hour() != 0 {
		t.Errorf("timestamp %v not truncated to the day", bars[0].Timestamp)
	}

	tracker, err := newProgressTracker(testConfig(dir).ProgressDir)
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Close()
	if !tracker.IsTriedEmpty("ZZZ") || tracker.IsTriedEmpty("AAA") {
		t.Error("only ZZZ should be recorded as empty")
	}
	if !tracker.IsCompleted("2024-03-31") {
		t.Error("end date should be marked completed")
	}

	// A completed end date is not fetched again.
	calls := client.calls
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if client.calls != calls {
		t.Errorf("second Run made %d calls", client.calls-calls)
	}
}

func TestDailyBarGathererFailures(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{err: errors.New("503")}
	g := newDailyBarGatherer(client, testConfig(dir), store.NewParquetStore(dir))

	if err := g.Run(context.Background()); err == nil {
		t.Fatal("Run should report failed batches")
	}
	if _, err := os.Stat(filepath.Join(dir, "progress", lastCompletedFile)); !os.IsNotExist(err) {
		t.Error("a failed run must not be marked completed")
	}

	cfg := testConfig(dir)
	cfg.Symbols = nil
	if err := newDailyBarGatherer(client, cfg, nil).Run(context.Background()); err == nil {
		t.Error("Run without symbols should fail")
	}
}

func TestCumulativeAdjustment(t *testing.T) {
	if got := cumulativeAdjustment(100, 25); got != 0.25 {
		t.Errorf("cumulativeAdjustment(100, 25) = %v", got)
	}
	if got := cumulativeAdjustment(100, 0); got != 1 {
		t.Errorf("missing adjusted close = %v, want 1", got)
	}
}

func TestLatestFinished(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("no tzdata")
	}
	days := []string{"2025-02-06", "2025-02-07", "2025-02-10"}

	before := time.Date(2025, 2, 10, 15, 0, 0, 0, et)
	got, err := latestFinished(days, before)
	if err != nil || got.Format(time.DateOnly) != "2025-02-07" {
		t.Errorf("during session = %v, %v, want 2025-02-07", got, err)
	}

	after := time.Date(2025, 2, 10, 21, 0, 0, 0, et)
	got, err = latestFinished(days, after)
	if err != nil || got.Format(time.DateOnly) != "2025-02-10" {
		t.Errorf("after settle = %v, %v, want 2025-02-10", got, err)
	}

	if _, err := latestFinished(nil, after); err == nil {
		t.Error("empty calendar should fail")
	}
}

func TestProgressTrackerResume(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, triedEmptyFile), []byte("XXXX\nYYYY\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	pt, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !pt.IsTriedEmpty("XXXX") || !pt.IsTriedEmpty("YYYY") {
		t.Error("entries from a partial run should be loaded")
	}
	if err := pt.MarkEmpty([]string{"WWWW"}); err != nil {
		t.Fatal(err)
	}
	if err := pt.Reset(); err != nil {
		t.Fatal(err)
	}
	if pt.IsTriedEmpty("XXXX") {
		t.Error("XXXX should be forgotten after reset")
	}
	pt.Close()

	data, err := os.ReadFile(filepath.Join(dir, triedEmptyFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) > 0 {
		t.Errorf("%s should be empty after reset, got %q", triedEmptyFile, data)
	}
}

func TestResetProgress(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{triedEmptyFile, lastCompletedFile} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := ResetProgress(dir); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{triedEmptyFile, lastCompletedFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed, stat err = %v", name, err)
		}
	}
	if err := ResetProgress(dir); err != nil {
		t.Errorf("resetting twice should succeed: %v", err)
	}
}
