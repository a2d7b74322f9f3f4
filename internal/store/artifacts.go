package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"factorlab/internal/panel"
)

var _ PanelStore = (*ArtifactStore)(nil)

// ArtifactStore implements PanelStore with one long-form Parquet file per
// artifact at <Dir>/<name>.parquet.
type ArtifactStore struct {
	Dir string
}

// NewArtifactStore creates an ArtifactStore rooted at dir.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{Dir: dir}
}

// PanelRecord is the Parquet schema for one cell of a panel artifact. Missing
// cells are stored as NaN so the axes survive a round trip.
type PanelRecord struct {
	Date       int64   `parquet:"date,timestamp(millisecond)"` // Unix ms
	Instrument string  `parquet:"instrument"`
	Field      string  `parquet:"field"`
	Value      float64 `parquet:"value"`
}

// WritePanels replaces the artifact called name. All panels must share axes.
func (s *ArtifactStore) WritePanels(ctx context.Context, name string, panels []*panel.Panel) error {
	if len(panels) == 0 {
		return fmt.Errorf("writing %s: no panels", name)
	}
	for _, p := range panels[1:] {
		if err := panel.CheckSameAxes(panels[0], p); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	n, m := panels[0].Shape()
	records := make([]PanelRecord, 0, n*m*len(panels))
	for _, p := range panels {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, date := range p.Dates {
			ms := date.UnixMilli()
			for j, inst := range p.Instruments {
				records = append(records, PanelRecord{
					Date:       ms,
					Instrument: inst,
					Field:      p.Name,
					Value:      p.Values[i][j],
				})
			}
		}
	}

	if err := writeParquetFile(s.path(name), records); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// ReadPanels loads the artifact called name. Fields and instruments keep the
// order they were written in; dates are sorted ascending.
func (s *ArtifactStore) ReadPanels(ctx context.Context, name string) ([]*panel.Panel, error) {
	records, err := readParquetFile[PanelRecord](s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		fields      []string
		instruments []string
		fieldIdx    = make(map[string]int)
		instIdx     = make(map[string]int)
		dateSet     = make(map[int64]struct{})
	)
	for _, r := range records {
		if _, ok := fieldIdx[r.Field]; !ok {
			fieldIdx[r.Field] = len(fields)
			fields = append(fields, r.Field)
		}
		if _, ok := instIdx[r.Instrument]; !ok {
			instIdx[r.Instrument] = len(instruments)
			instruments = append(instruments, r.Instrument)
		}
		dateSet[r.Date] = struct{}{}
	}

	stamps := make([]int64, 0, len(dateSet))
	for ms := range dateSet {
		stamps = append(stamps, ms)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	dates := make([]time.Time, len(stamps))
	dateIdx := make(map[int64]int, len(stamps))
	for i, ms := range stamps {
		dates[i] = time.UnixMilli(ms).UTC()
		dateIdx[ms] = i
	}

	panels := make([]*panel.Panel, len(fields))
	for k, f := range fields {
		panels[k] = panel.New(f, dates, instruments)
	}
	for _, r := range records {
		panels[fieldIdx[r.Field]].Set(dateIdx[r.Date], instIdx[r.Instrument], r.Value)
	}
	return panels, nil
}

// Exists reports whether the artifact called name has been written.
func (s *ArtifactStore) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *ArtifactStore) path(name string) string {
	return filepath.Join(s.Dir, name+".parquet")
}
