// Package runstore provides persistent history for indicator rebuild runs
// using SQLite. The live run state stays in memory; this store only records
// what each run did, so operators can inspect past rebuilds across restarts.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus is the terminal (or in-flight) status of one rebuild run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run is one recorded rebuild.
type Run struct {
	ID               string     `json:"run_id"`
	Status           RunStatus  `json:"status"`
	IncludeRegions   bool       `json:"include_regions"`
	Forced           bool       `json:"forced"`
	PointCount       int        `json:"point_count"`
	IndicatorCount   int        `json:"indicator_count"`
	PointUpdateCount int        `json:"point_update_count"`
	Errors           []string   `json:"errors,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	DurationMs       int64      `json:"duration_ms"`
}

// Store persists rebuild runs in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the run history database.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rebuild_runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		include_regions INTEGER NOT NULL DEFAULT 0,
		forced INTEGER NOT NULL DEFAULT 0,
		points INTEGER NOT NULL DEFAULT 0,
		indicators INTEGER NOT NULL DEFAULT 0,
		point_updates INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT NOT NULL DEFAULT '[]',
		started_at TEXT NOT NULL,
		finished_at TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_rebuild_runs_started ON rebuild_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_rebuild_runs_status ON rebuild_runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun records a run that has just started.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO rebuild_runs (run_id, status, include_regions, forced, started_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		run.ID,
		string(StatusRunning),
		boolToInt(run.IncludeRegions),
		boolToInt(run.Forced),
		run.StartedAt.Format(time.RFC3339),
	)
	return err
}

// FinishRun records the terminal state and counters of a run.
func (s *Store) FinishRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	var finishedAt interface{}
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.Format(time.RFC3339)
	}

	_, err = s.db.Exec(`
		UPDATE rebuild_runs
		SET status = ?, points = ?, indicators = ?, point_updates = ?, errors_json = ?, finished_at = ?, duration_ms = ?
		WHERE run_id = ?
	`,
		string(run.Status),
		run.PointCount,
		run.IndicatorCount,
		run.PointUpdateCount,
		string(errorsJSON),
		finishedAt,
		run.DurationMs,
		run.ID,
	)
	return err
}

// MarkRunningAsFailed closes out runs left in the running state by an
// unclean shutdown. Called once at startup, before any new run begins.
func (s *Store) MarkRunningAsFailed(reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errorsJSON, _ := json.Marshal([]string{reason})
	res, err := s.db.Exec(`
		UPDATE rebuild_runs
		SET status = ?, errors_json = ?, finished_at = ?
		WHERE status = ?
	`,
		string(StatusFailed),
		string(errorsJSON),
		time.Now().Format(time.RFC3339),
		string(StatusRunning),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetRun retrieves one run by ID, or nil if it does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, include_regions, forced, points, indicators, point_updates, errors_json, started_at, finished_at, duration_ms
		FROM rebuild_runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT run_id, status, include_regions, forced, points, indicators, point_updates, errors_json, started_at, finished_at, duration_ms
		FROM rebuild_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var run Run
	var includeRegions, forced int
	var errorsJSON, startedAtStr string
	var finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Status,
		&includeRegions,
		&forced,
		&run.PointCount,
		&run.IndicatorCount,
		&run.PointUpdateCount,
		&errorsJSON,
		&startedAtStr,
		&finishedAtStr,
		&run.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	run.IncludeRegions = includeRegions != 0
	run.Forced = forced != 0
	if err := json.Unmarshal([]byte(errorsJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal errors: %w", err)
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAtStr)
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
