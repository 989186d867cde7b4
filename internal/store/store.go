package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chordfinder/api/internal/config"
	"github.com/chordfinder/api/internal/model"
)

// Store persists analysis jobs and subscriptions in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var (
	// ErrNotFound is returned when no row matches the query.
	ErrNotFound = errors.New("record not found")
	// ErrJobTerminal is returned when a terminal-state write targets a
	// job that already left pending. Terminal transitions happen at
	// most once.
	ErrJobTerminal = errors.New("job already in a terminal state")
	// ErrNoCredits is returned when an account has no analysis credits
	// left. credits_remaining never goes below zero.
	ErrNoCredits = errors.New("no analysis credits remaining")
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
    id          TEXT PRIMARY KEY,
    owner       TEXT NOT NULL,
    url         TEXT,
    file_path   TEXT,
    title       TEXT NOT NULL,
    status      TEXT NOT NULL,
    key         TEXT,
    bpm         REAL,
    chords_json TEXT,
    error       TEXT,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_owner ON analysis_jobs(owner, created_at DESC);

CREATE TABLE IF NOT EXISTS subscriptions (
    owner                TEXT PRIMARY KEY,
    customer_id          TEXT,
    subscription_id      TEXT,
    plan_type            TEXT NOT NULL,
    credits_total        INTEGER NOT NULL,
    credits_remaining    INTEGER NOT NULL CHECK (credits_remaining >= 0),
    current_period_start TEXT,
    current_period_end   TEXT,
    cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);
`

// Open initializes or connects to the database and applies the schema.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: cfg.Path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateJob inserts a new pending analysis record.
func (s *Store) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, owner, url, file_path, title, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Owner,
		nullableString(job.URL),
		nullableString(job.FilePath),
		job.Title,
		string(job.Status),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobForOwner returns a job by id, scoped to its owner.
func (s *Store) GetJobForOwner(ctx context.Context, id, owner string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ? AND owner = ?`, id, owner)
	return scanJob(row)
}

// ListJobs returns all jobs for an owner, newest first.
func (s *Store) ListJobs(ctx context.Context, owner string) ([]*model.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+` WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CompleteJob transitions a pending job to completed and writes the
// result fields. The WHERE guard makes the terminal write happen at
// most once, so a concurrent delete or duplicate completion cannot
// overwrite a settled record.
func (s *Store) CompleteJob(ctx context.Context, id string, result *model.AnalysisResult) error {
	chords, err := json.Marshal(result.Chords)
	if err != nil {
		return fmt.Errorf("marshal chords: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs
         SET status = ?, key = ?, bpm = ?, chords_json = ?
         WHERE id = ? AND status = ?`,
		string(model.JobStatusCompleted),
		result.Key,
		result.BPM,
		string(chords),
		id,
		string(model.JobStatusPending),
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// FailJob transitions a pending job to failed with an error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, error = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusFailed),
		errMsg,
		id,
		string(model.JobStatusPending),
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// DeleteJob removes a job owned by the caller.
func (s *Store) DeleteJob(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_jobs WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// checkTransition distinguishes "already terminal" from "gone" when a
// guarded status update touched no rows.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrJobTerminal
}

const selectJob = `SELECT id, owner, url, file_path, title, status, key, bpm, chords_json, error, created_at FROM analysis_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.AnalysisJob, error) {
	var (
		job       model.AnalysisJob
		url       sql.NullString
		filePath  sql.NullString
		status    string
		key       sql.NullString
		bpm       sql.NullFloat64
		chords    sql.NullString
		errMsg    sql.NullString
		createdAt string
	)

	err := row.Scan(&job.ID, &job.Owner, &url, &filePath, &job.Title, &status, &key, &bpm, &chords, &errMsg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.URL = url.String
	job.FilePath = filePath.String
	job.Status = model.JobStatus(status)
	job.Key = key.String
	job.BPM = bpm.Float64
	if errMsg.Valid {
		msg := errMsg.String
		job.Error = &msg
	}
	if chords.Valid && chords.String != "" {
		if err := json.Unmarshal([]byte(chords.String), &job.Chords); err != nil {
			return nil, fmt.Errorf("unmarshal chords: %w", err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = ts
	}

	return &job, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
