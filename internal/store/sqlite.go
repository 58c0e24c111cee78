// Package store persists delivery state in a SQLite database: one row per
// outbound transfer job and one low-water mark per exported project.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs schema migrations.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS transfer_jobs (
    file_id TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    name TEXT NOT NULL,
    total_chunks INTEGER NOT NULL,
    sent_chunks TEXT NOT NULL DEFAULT '[]',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_attempt INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bridge_marks (
    project TEXT PRIMARY KEY,
    mark_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfer_jobs_state ON transfer_jobs(state);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Transfer jobs ---

// SaveJob inserts or replaces a job record. Sent chunk indices are stored
// sorted and de-duplicated.
func (d *DB) SaveJob(j *JobRecord) error {
	sent, err := json.Marshal(normalizeChunks(j.SentChunks))
	if err != nil {
		return fmt.Errorf("encode sent chunks: %w", err)
	}
	var lastAttempt int64
	if !j.LastAttempt.IsZero() {
		lastAttempt = j.LastAttempt.UnixMilli()
	}
	_, err = d.db.Exec(
		`INSERT OR REPLACE INTO transfer_jobs
		 (file_id, source_path, name, total_chunks, sent_chunks, retry_count, last_attempt, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.FileID, j.SourcePath, j.Name, j.TotalChunks, string(sent), j.RetryCount, lastAttempt, string(j.State),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by file ID.
func (d *DB) GetJob(fileID string) (*JobRecord, error) {
	row := d.db.QueryRow(
		`SELECT file_id, source_path, name, total_chunks, sent_chunks, retry_count, last_attempt, state
		 FROM transfer_jobs WHERE file_id = ?`, fileID,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns every persisted job ordered by file ID.
func (d *DB) ListJobs() ([]JobRecord, error) {
	rows, err := d.db.Query(
		`SELECT file_id, source_path, name, total_chunks, sent_chunks, retry_count, last_attempt, state
		 FROM transfer_jobs ORDER BY file_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job record.
func (d *DB) DeleteJob(fileID string) error {
	res, err := d.db.Exec(`DELETE FROM transfer_jobs WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete job %s: %w", fileID, ErrNotFound)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*JobRecord, error) {
	var (
		j           JobRecord
		sent        string
		lastAttempt int64
		state       string
	)
	if err := s.Scan(&j.FileID, &j.SourcePath, &j.Name, &j.TotalChunks, &sent, &j.RetryCount, &lastAttempt, &state); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sent), &j.SentChunks); err != nil {
		return nil, fmt.Errorf("decode sent chunks for %s: %w", j.FileID, err)
	}
	if lastAttempt > 0 {
		j.LastAttempt = time.UnixMilli(lastAttempt)
	}
	j.State = JobState(state)
	return &j, nil
}

func normalizeChunks(in []int) []int {
	out := make([]int, 0, len(in))
	seen := make(map[int]bool, len(in))
	for _, idx := range in {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// --- Bridge marks ---

// Mark returns the low-water mark for project, or the zero time if the
// project has never been packaged.
func (d *DB) Mark(project string) (time.Time, error) {
	var ns int64
	err := d.db.QueryRow(`SELECT mark_ns FROM bridge_marks WHERE project = ?`, project).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get mark: %w", err)
	}
	return time.Unix(0, ns), nil
}

// SetMark records the low-water mark for project.
func (d *DB) SetMark(project string, mark time.Time) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO bridge_marks (project, mark_ns) VALUES (?, ?)`,
		project, mark.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set mark: %w", err)
	}
	return nil
}
