package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one recorded invocation of the miner.
type Run struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Status          string // "running", "success", "failed", "interrupted"
	LevelsCompleted int
	BatchesOK       int
	BatchesFailed   int
	Error           string
}

// History persists run outcomes in a local sqlite database, backing the
// status and history CLI commands.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the history database.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		status TEXT NOT NULL,
		levels_completed INTEGER NOT NULL DEFAULT 0,
		batches_ok INTEGER NOT NULL DEFAULT 0,
		batches_failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS failed_batches (
		run_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		statement_type TEXT NOT NULL,
		db_name TEXT NOT NULL,
		batch_number INTEGER NOT NULL,
		table_count INTEGER NOT NULL,
		error TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error { return h.db.Close() }

// StartRun records a new run and returns its ID.
func (h *History) StartRun() (string, error) {
	id := uuid.New().String()
	_, err := h.db.Exec(
		`INSERT INTO runs (id, started_at, status) VALUES (?, ?, 'running')`,
		id, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("recording run start: %w", err)
	}
	return id, nil
}

// CompleteRun finalizes a run's status and error message.
func (h *History) CompleteRun(runID, status, errorMsg string) error {
	_, err := h.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), status, errorMsg, runID)
	if err != nil {
		return fmt.Errorf("recording run completion: %w", err)
	}
	return nil
}

// UpdateProgress accumulates per-level batch counts for a run.
func (h *History) UpdateProgress(runID string, levelsCompleted, batchesOK, batchesFailed int) error {
	_, err := h.db.Exec(
		`UPDATE runs
		 SET levels_completed = ?, batches_ok = batches_ok + ?, batches_failed = batches_failed + ?
		 WHERE id = ?`,
		levelsCompleted, batchesOK, batchesFailed, runID)
	if err != nil {
		return fmt.Errorf("recording run progress: %w", err)
	}
	return nil
}

// RecordFailedBatch mirrors a FailedBatch into the history database.
func (h *History) RecordFailedBatch(runID string, level int, fb FailedBatch) error {
	_, err := h.db.Exec(
		`INSERT INTO failed_batches
		 (run_id, level, statement_type, db_name, batch_number, table_count, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, level, fb.StatementType, fb.Database, fb.BatchNumber, len(fb.Tables), fb.Error, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording failed batch: %w", err)
	}
	return nil
}

// Runs lists all runs, newest first.
func (h *History) Runs() ([]Run, error) {
	rows, err := h.db.Query(
		`SELECT id, started_at, finished_at, status, levels_completed, batches_ok, batches_failed, error
		 FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Status,
			&r.LevelsCompleted, &r.BatchesOK, &r.BatchesFailed, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns the most recent run, or nil when none exist.
func (h *History) LastRun() (*Run, error) {
	runs, err := h.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// FailedBatches lists the failures recorded for one run.
func (h *History) FailedBatches(runID string) ([]FailedBatch, error) {
	rows, err := h.db.Query(
		`SELECT statement_type, db_name, batch_number, error
		 FROM failed_batches WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying failed batches: %w", err)
	}
	defer rows.Close()

	var failures []FailedBatch
	for rows.Next() {
		var fb FailedBatch
		if err := rows.Scan(&fb.StatementType, &fb.Database, &fb.BatchNumber, &fb.Error); err != nil {
			return nil, fmt.Errorf("scanning failed batch: %w", err)
		}
		failures = append(failures, fb)
	}
	return failures, rows.Err()
}
