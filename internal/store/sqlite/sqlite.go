// Package sqlite archives correction runs in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/results"
)

// RunSummary is one archived run without its samples.
type RunSummary struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Satellites int       `json:"satellites"`
	Failed     int       `json:"failed"`
	CycleSlips int       `json:"cycle_slips"`
}

// Sample is one archived corrected epoch. Missing values are NaN.
type Sample struct {
	Time time.Time
	RTEC float64
	L1   float64
	L2   float64
}

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun writes a run, its per-satellite outcomes and every corrected
// sample in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *results.Run) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var slips int
	for _, r := range run.Results {
		slips += len(r.Events)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, source, started_at, finished_at, satellites, failed, cycle_slips)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Source,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		len(run.Results),
		run.Failed(),
		slips,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	satStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO satellite_runs (run_id, sat, channel, f1, f2, cycle_slips, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer satStmt.Close()

	sampleStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO corrected_samples (run_id, sat, epoch, rtec, l1, l2)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()

	for _, sat := range run.Sats() {
		r := run.Results[sat]
		var errText, channel any
		var f1, f2 any
		if r.Err != nil {
			errText = r.Err.Error()
		} else {
			channel = r.Profile.Channel.String()
			f1, f2 = r.Profile.F1, r.Profile.F2
		}
		if _, err = satStmt.ExecContext(ctx, run.ID, string(sat), channel, f1, f2, len(r.Events), errText); err != nil {
			return fmt.Errorf("sqlite: insert satellite %s: %w", sat, err)
		}

		if r.Corrected == nil {
			continue
		}
		c := r.Corrected
		for i, t := range c.Time {
			_, err = sampleStmt.ExecContext(ctx,
				run.ID,
				string(sat),
				formatTime(t),
				nullable(c.RTEC[i]),
				nullable(c.L1[i]),
				nullable(c.L2[i]),
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert sample %s[%d]: %w", sat, i, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// ListRuns returns up to limit archived runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, started_at, finished_at, satellites, failed, cycle_slips
		FROM runs
		ORDER BY finished_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var started, finished string
		if err := rows.Scan(&rs.ID, &rs.Source, &started, &finished, &rs.Satellites, &rs.Failed, &rs.CycleSlips); err != nil {
			return nil, err
		}
		if rs.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if rs.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Samples returns the archived corrected series of one satellite in a run,
// in epoch order.
func (s *Store) Samples(ctx context.Context, runID string, sat gnss.SatID) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, rtec, l1, l2
		FROM corrected_samples
		WHERE run_id = ? AND sat = ?
		ORDER BY epoch
	`, runID, string(sat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var epoch string
		var rtec, l1, l2 sql.NullFloat64
		if err := rows.Scan(&epoch, &rtec, &l1, &l2); err != nil {
			return nil, err
		}
		t, err := parseTime(epoch)
		if err != nil {
			return nil, err
		}
		out = append(out, Sample{Time: t, RTEC: orNaN(rtec), L1: orNaN(l1), L2: orNaN(l2)})
	}
	return out, rows.Err()
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			satellites INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			cycle_slips INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS satellite_runs (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			sat TEXT NOT NULL,
			channel TEXT,
			f1 REAL,
			f2 REAL,
			cycle_slips INTEGER NOT NULL,
			error TEXT,
			PRIMARY KEY (run_id, sat)
		);`,
		`CREATE TABLE IF NOT EXISTS corrected_samples (
			run_id TEXT NOT NULL,
			sat TEXT NOT NULL,
			epoch TEXT NOT NULL,
			rtec REAL,
			l1 REAL,
			l2 REAL,
			PRIMARY KEY (run_id, sat, epoch),
			FOREIGN KEY (run_id, sat) REFERENCES satellite_runs(run_id, sat) ON DELETE CASCADE
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

// Epochs are stored as fixed-width UTC text so lexical order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

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
