package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const historyTimeFormat = "2006-01-02 15:04:05"

// History indexes finished runs in SQLite so `history` does not have to
// scan every state file. The JSON documents remain the source of truth.
type History struct {
	db *sql.DB
}

// RunRecord is one row of the run index.
type RunRecord struct {
	RunID           string
	PipelineID      string
	Status          string
	ExtractionDate  time.Time
	StartedAt       time.Time
	CompletedAt     *time.Time
	TotalTables     int
	CompletedTables int
	FailedTables    int
	SkippedTables   int
	RestartCount    int
	StatePath       string
}

// TableOutcome is the last recorded outcome of a table within a run.
type TableOutcome struct {
	RunID        string
	TableKey     string
	Status       string
	RecordCount  int64
	OutputPath   string
	Checksum     string
	AttemptCount int
	CompletedAt  *time.Time
}

// OpenHistory opens (or creates) the SQLite index at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return h, nil
}

func (h *History) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		status TEXT NOT NULL,
		extraction_date TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		total_tables INTEGER DEFAULT 0,
		completed_tables INTEGER DEFAULT 0,
		failed_tables INTEGER DEFAULT 0,
		skipped_tables INTEGER DEFAULT 0,
		restart_count INTEGER DEFAULT 0,
		state_path TEXT
	);

	CREATE TABLE IF NOT EXISTS table_outcomes (
		run_id TEXT REFERENCES pipeline_runs(run_id),
		table_key TEXT NOT NULL,
		status TEXT NOT NULL,
		record_count INTEGER DEFAULT 0,
		output_path TEXT,
		checksum TEXT,
		attempt_count INTEGER DEFAULT 0,
		completed_at TEXT,
		PRIMARY KEY (run_id, table_key)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_table ON table_outcomes(table_key);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// RecordRun upserts the run row and its table outcomes from a document.
func (h *History) RecordRun(doc *Document, statePath string) error {
	p := doc.Pipeline

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pipeline_runs (run_id, pipeline_id, status, extraction_date, started_at, completed_at,
			total_tables, completed_tables, failed_tables, skipped_tables, restart_count, state_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			total_tables = excluded.total_tables,
			completed_tables = excluded.completed_tables,
			failed_tables = excluded.failed_tables,
			skipped_tables = excluded.skipped_tables,
			restart_count = excluded.restart_count,
			state_path = excluded.state_path
	`, p.RunID, p.PipelineID, string(p.Status), p.ExtractionDate.Format("2006-01-02"),
		formatHistoryTime(p.StartTime), formatHistoryTimePtr(p.EndTime),
		p.TotalTables, p.CompletedTables, p.FailedTables, p.SkippedTables, p.RestartCount, statePath)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", p.RunID, err)
	}

	for key, e := range doc.Extractions {
		_, err := tx.Exec(`
			INSERT INTO table_outcomes (run_id, table_key, status, record_count, output_path, checksum, attempt_count, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, table_key) DO UPDATE SET
				status = excluded.status,
				record_count = excluded.record_count,
				output_path = excluded.output_path,
				checksum = excluded.checksum,
				attempt_count = excluded.attempt_count,
				completed_at = excluded.completed_at
		`, p.RunID, key, string(e.Status), e.RecordCount, e.OutputPath, e.Checksum, e.AttemptCount, formatHistoryTimePtr(e.EndTime))
		if err != nil {
			return fmt.Errorf("recording table %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (h *History) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(`
		SELECT run_id, pipeline_id, status, extraction_date, started_at, completed_at,
			total_tables, completed_tables, failed_tables, skipped_tables, restart_count, COALESCE(state_path, '')
		FROM pipeline_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns one run by ID.
func (h *History) GetRun(runID string) (*RunRecord, error) {
	row := h.db.QueryRow(`
		SELECT run_id, pipeline_id, status, extraction_date, started_at, completed_at,
			total_tables, completed_tables, failed_tables, skipped_tables, restart_count, COALESCE(state_path, '')
		FROM pipeline_runs WHERE run_id = ?
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

// TableOutcomes returns the recorded outcomes of one table across runs, newest first.
func (h *History) TableOutcomes(tableKey string, limit int) ([]TableOutcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(`
		SELECT o.run_id, o.table_key, o.status, o.record_count, COALESCE(o.output_path, ''),
			COALESCE(o.checksum, ''), o.attempt_count, o.completed_at
		FROM table_outcomes o JOIN pipeline_runs r ON r.run_id = o.run_id
		WHERE o.table_key = ? ORDER BY r.started_at DESC LIMIT ?
	`, tableKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TableOutcome
	for rows.Next() {
		var o TableOutcome
		var completedAt sql.NullString
		if err := rows.Scan(&o.RunID, &o.TableKey, &o.Status, &o.RecordCount, &o.OutputPath, &o.Checksum, &o.AttemptCount, &completedAt); err != nil {
			return nil, err
		}
		o.CompletedAt = parseHistoryTimePtr(completedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CleanupOldRuns deletes finished runs completed more than days ago.
// Runs without completed_at are never removed.
func (h *History) CleanupOldRuns(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format(historyTimeFormat)

	tx, err := h.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM table_outcomes WHERE run_id IN (
			SELECT run_id FROM pipeline_runs WHERE completed_at IS NOT NULL AND completed_at < ?
		)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("deleting table outcomes: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM pipeline_runs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var r RunRecord
	var extractionDate, startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&r.RunID, &r.PipelineID, &r.Status, &extractionDate, &startedAt, &completedAt,
		&r.TotalTables, &r.CompletedTables, &r.FailedTables, &r.SkippedTables, &r.RestartCount, &r.StatePath); err != nil {
		return nil, err
	}
	r.ExtractionDate, _ = time.Parse("2006-01-02", extractionDate)
	r.StartedAt, _ = time.Parse(historyTimeFormat, startedAt)
	r.CompletedAt = parseHistoryTimePtr(completedAt)
	return &r, nil
}

func formatHistoryTime(t time.Time) string {
	return t.UTC().Format(historyTimeFormat)
}

func formatHistoryTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatHistoryTime(*t)
}

func parseHistoryTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(historyTimeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
