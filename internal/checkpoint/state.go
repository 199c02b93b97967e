package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/syncer"
	_ "modernc.org/sqlite"
)

// timeLayout matches SQLite's datetime() so cutoffs compare as text.
const timeLayout = "2006-01-02 15:04:05"

// State keeps the local cycle ledger in SQLite
type State struct {
	db *sql.DB
}

// Worker represents one worker process run
type Worker struct {
	ID        string
	Job       string
	StartedAt time.Time
	StoppedAt *time.Time
	Status    string
	Error     string
}

// Stats aggregates recorded cycles for a job
type Stats struct {
	Cycles      int
	Failed      int
	Scanned     int64
	Inserted    int64
	Updated     int64
	Quarantined int64
	Skipped     int64
	Purged      int64
	LastCycleAt *time.Time
}

// New creates a new state manager
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sync.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		started_at TEXT NOT NULL,
		stopped_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		scanned INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		quarantined INTEGER NOT NULL DEFAULT 0,
		quarantined_tables TEXT,
		purged INTEGER NOT NULL DEFAULT 0,
		limit_reached INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_job_started ON cycles(job, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// StartWorker records a worker process starting on a job
func (s *State) StartWorker(id, job string, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO workers (id, job, started_at, status, config)
		VALUES (?, ?, datetime('now'), 'running', ?)
	`, id, job, string(configJSON))
	return err
}

// StopWorker marks a worker as stopped
func (s *State) StopWorker(id, status, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE workers SET status = ?, stopped_at = datetime('now'), error = ?
		WHERE id = ?
	`, status, errorMsg, id)
	return err
}

// LastWorker returns the most recent worker for a job, or nil
func (s *State) LastWorker(job string) (*Worker, error) {
	var w Worker
	var startedAt string
	var stoppedAt, errMsg sql.NullString
	err := s.db.QueryRow(`
		SELECT id, job, started_at, stopped_at, status, error
		FROM workers WHERE job = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, job).Scan(&w.ID, &w.Job, &startedAt, &stoppedAt, &w.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.StartedAt = parseTime(startedAt)
	if stoppedAt.Valid {
		t := parseTime(stoppedAt.String)
		w.StoppedAt = &t
	}
	w.Error = errMsg.String
	return &w, nil
}

// RecordCycle stores one cycle result. It satisfies syncer.CycleRecorder.
func (s *State) RecordCycle(res *syncer.CycleResult) error {
	_, err := s.db.Exec(`
		INSERT INTO cycles (id, job, started_at, duration_ms, scanned, skipped, inserted, updated,
			quarantined, quarantined_tables, purged, limit_reached, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, res.ID, res.Job, res.StartedAt.UTC().Format(timeLayout), res.Duration.Milliseconds(),
		res.Scanned, res.Skipped, res.Inserted, res.Updated, res.Quarantined,
		strings.Join(res.QuarantinedTables, ","), res.Purged, res.LimitReached, res.Status, res.Error)
	if err != nil {
		return fmt.Errorf("recording cycle %s: %w", res.ID, err)
	}
	return nil
}

// RecentCycles returns the newest cycles for a job. An empty job matches
// every job.
func (s *State) RecentCycles(job string, limit int) ([]syncer.CycleResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, job, started_at, duration_ms, scanned, skipped, inserted, updated,
			quarantined, COALESCE(quarantined_tables, ''), purged, limit_reached, status, COALESCE(error, '')
		FROM cycles
		WHERE ? = '' OR job = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, job, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []syncer.CycleResult
	for rows.Next() {
		var c syncer.CycleResult
		var startedAt, tables string
		var durationMS int64
		if err := rows.Scan(&c.ID, &c.Job, &startedAt, &durationMS, &c.Scanned, &c.Skipped,
			&c.Inserted, &c.Updated, &c.Quarantined, &tables, &c.Purged, &c.LimitReached,
			&c.Status, &c.Error); err != nil {
			return nil, err
		}
		c.StartedAt = parseTime(startedAt)
		c.Duration = time.Duration(durationMS) * time.Millisecond
		if tables != "" {
			c.QuarantinedTables = strings.Split(tables, ",")
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// CycleStats returns totals over every recorded cycle of a job
func (s *State) CycleStats(job string) (*Stats, error) {
	var st Stats
	var last sql.NullString
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(scanned), 0),
			COALESCE(SUM(inserted), 0),
			COALESCE(SUM(updated), 0),
			COALESCE(SUM(quarantined), 0),
			COALESCE(SUM(skipped), 0),
			COALESCE(SUM(purged), 0),
			MAX(started_at)
		FROM cycles WHERE job = ?
	`, job).Scan(&st.Cycles, &st.Failed, &st.Scanned, &st.Inserted, &st.Updated,
		&st.Quarantined, &st.Skipped, &st.Purged, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := parseTime(last.String)
		st.LastCycleAt = &t
	}
	return &st, nil
}

// CleanupOldCycles deletes cycles and stopped workers older than the given
// number of days
func (s *State) CleanupOldCycles(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := fmt.Sprintf("-%d days", retentionDays)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM cycles WHERE started_at < datetime('now', ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting cycles: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.Exec(`
		DELETE FROM workers
		WHERE status != 'running' AND stopped_at < datetime('now', ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("deleting workers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}
