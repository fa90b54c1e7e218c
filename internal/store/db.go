package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go-accurate-puller/internal/model"
)

// ErrJobNotFound is returned for unknown job IDs
var ErrJobNotFound = errors.New("job not found")

// JobStore is the sqlite registry of pull jobs, their errors and reports
type JobStore struct {
	db *sql.DB
}

// OpenJobStore opens the registry and creates its tables
func OpenJobStore(dbPath string) (*JobStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	jobTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		spec TEXT,
		status TEXT,
		checkpoint_path TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);
	`
	errorTable := `
	CREATE TABLE IF NOT EXISTS job_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		error_message TEXT,
		created_at DATETIME
	);
	`
	reportTable := `
	CREATE TABLE IF NOT EXISTS job_reports (
		job_id TEXT PRIMARY KEY,
		report TEXT,
		updated_at DATETIME
	);
	`
	for _, stmt := range []string{jobTable, errorTable, reportTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &JobStore{db: db}, nil
}

// Close releases the database
func (s *JobStore) Close() error { return s.db.Close() }

// SaveJob registers a job, or refreshes its spec when resuming
func (s *JobStore) SaveJob(ctx context.Context, jobID string, spec model.JobSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, spec, status, checkpoint_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET spec = excluded.spec, status = excluded.status, updated_at = excluded.updated_at`,
		jobID, string(specJSON), string(model.StatusRunning), spec.CheckpointPath, now, now)
	return err
}

// SaveJobError records an error for a job
func (s *JobStore) SaveJobError(ctx context.Context, jobID string, err error) error {
	if err == nil {
		return nil
	}
	now := time.Now().UTC()
	_, e := s.db.ExecContext(ctx, `INSERT INTO job_errors (job_id, error_message, created_at) VALUES (?, ?, ?)`,
		jobID, err.Error(), now)
	return e
}

// UpdateJobStatus updates job status
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, jobID)
	return err
}

// SaveReport stores the latest report of a job
func (s *JobStore) SaveReport(ctx context.Context, report model.JobReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO job_reports (job_id, report, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET report = excluded.report, updated_at = excluded.updated_at`,
		report.JobID, string(body), time.Now().UTC())
	return err
}

// ListJobs returns all jobs, newest first
func (s *JobStore) ListJobs(ctx context.Context) ([]model.JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, checkpoint_path, created_at, updated_at FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []model.JobSummary{}
	for rows.Next() {
		var j model.JobSummary
		var status string
		var cp sql.NullString
		if err := rows.Scan(&j.ID, &status, &cp, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Status = model.JobStatus(status)
		j.CheckpointPath = cp.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob fetches full job spec and status
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*model.JobDetail, error) {
	var specJSON, status string
	var cp sql.NullString
	var j model.JobDetail

	err := s.db.QueryRowContext(ctx, `SELECT spec, status, checkpoint_path, created_at, updated_at FROM jobs WHERE id = ?`, jobID).
		Scan(&specJSON, &status, &cp, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &j.Spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	j.ID = jobID
	j.Status = model.JobStatus(status)
	j.CheckpointPath = cp.String
	return &j, nil
}

// GetJobErrors lists the recorded errors of a job, oldest first
func (s *JobStore) GetJobErrors(ctx context.Context, jobID string) ([]model.JobError, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT error_message, created_at FROM job_errors WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.JobError{}
	for rows.Next() {
		var e model.JobError
		if err := rows.Scan(&e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetReport returns the stored report of a job
func (s *JobStore) GetReport(ctx context.Context, jobID string) (*model.JobReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM job_reports WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var r model.JobReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// UnfinishedJob returns the newest job bound to checkpointPath that still
// needs a resume, or nil.
func (s *JobStore) UnfinishedJob(ctx context.Context, checkpointPath string) (*model.JobSummary, error) {
	var j model.JobSummary
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT id, status, created_at, updated_at FROM jobs
		WHERE checkpoint_path = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		checkpointPath, string(model.StatusRunning), string(model.StatusAborted)).
		Scan(&j.ID, &status, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.CheckpointPath = checkpointPath
	return &j, nil
}
