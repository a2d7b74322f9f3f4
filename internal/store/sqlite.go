package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// createdLayout is fixed width so created_at sorts lexically.
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		strategy   TEXT NOT NULL,
		fee_rate   REAL NOT NULL,
		params     TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS run_metrics (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name   TEXT NOT NULL,
		value  REAL,
		PRIMARY KEY (run_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS run_returns (
		run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		date     TEXT NOT NULL,
		skipped  INTEGER NOT NULL,
		gross    REAL,
		turnover REAL NOT NULL,
		net      REAL,
		PRIMARY KEY (run_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts a run with its metrics and return series in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	params := run.Params
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, strategy, fee_rate, params) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt.UTC().Format(createdLayout), run.Strategy, run.FeeRate, string(paramsJSON),
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for name, v := range run.Metrics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_metrics (run_id, name, value) VALUES (?, ?, ?)`,
			run.ID, name, nullable(v),
		); err != nil {
			return fmt.Errorf("inserting metric %s: %w", name, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_returns (run_id, date, skipped, gross, turnover, net) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range run.Points {
		if _, err := stmt.ExecContext(ctx,
			run.ID, p.Date.Format(time.DateOnly), p.Skipped, nullable(p.Gross), p.Turnover, nullable(p.Net),
		); err != nil {
			return fmt.Errorf("inserting return for %s: %w", p.Date.Format(time.DateOnly), err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a single run by its ID, including its return series.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, strategy, fee_rate, params FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadMetrics(ctx, run); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT date, skipped, gross, turnover, net FROM run_returns WHERE run_id = ? ORDER BY date`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			date       string
			p          RunPoint
			gross, net sql.NullFloat64
		)
		if err := rows.Scan(&date, &p.Skipped, &gross, &p.Turnover, &net); err != nil {
			return nil, err
		}
		if p.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("run %s: bad date %q: %w", id, date, err)
		}
		p.Gross = orNaN(gross)
		p.Net = orNaN(net)
		run.Points = append(run.Points, p)
	}
	return run, rows.Err()
}

// ListRuns returns the most recent runs with metrics but without their
// return series, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, strategy, fee_rate, params FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		if err := s.loadMetrics(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) loadMetrics(ctx context.Context, run *Run) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM run_metrics WHERE run_id = ?`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	run.Metrics = make(map[string]float64)
	for rows.Next() {
		var (
			name string
			v    sql.NullFloat64
		)
		if err := rows.Scan(&name, &v); err != nil {
			return err
		}
		run.Metrics[name] = orNaN(v)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run       Run
		createdAt string
		params    string
	)
	if err := sc.Scan(&run.ID, &createdAt, &run.Strategy, &run.FeeRate, &params); err != nil {
		return nil, err
	}
	t, err := time.Parse(createdLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad created_at %q: %w", run.ID, createdAt, err)
	}
	run.CreatedAt = t
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("run %s: decoding params: %w", run.ID, err)
	}
	return &run, nil
}

// nullable maps NaN to SQL NULL, which is how SQLite stores it anyway.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
