package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devos-ai/devos/internal/common/scrub"
	"github.com/devos-ai/devos/internal/db"
	"github.com/devos-ai/devos/internal/db/dialect"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// Store persists Job rows. The table is the single coordination point
// between producers and workers: claim-row updates prevent double
// processing.
type Store struct {
	pool *db.Pool
}

// jobRecord maps a jobs row. Payload and result are JSON text columns.
type jobRecord struct {
	ID              string         `db:"id"`
	WorkspaceID     string         `db:"workspace_id"`
	ProjectID       string         `db:"project_id"`
	JobType         string         `db:"job_type"`
	Payload         string         `db:"payload"`
	Status          string         `db:"status"`
	ExternalQueueID sql.NullString `db:"external_queue_id"`
	Priority        int            `db:"priority"`
	Attempts        int            `db:"attempts"`
	MaxAttempts     int            `db:"max_attempts"`
	Result          sql.NullString `db:"result"`
	ErrorMessage    sql.NullString `db:"error_message"`
	AvailableAt     time.Time      `db:"available_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *jobRecord) toAPI() (*v1.Job, error) {
	job := &v1.Job{
		ID:           r.ID,
		WorkspaceID:  r.WorkspaceID,
		ProjectID:    r.ProjectID,
		JobType:      v1.JobType(r.JobType),
		Status:       v1.JobStatus(r.Status),
		Priority:     r.Priority,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		ErrorMessage: r.ErrorMessage.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ExternalQueueID.Valid {
		job.ExternalQueueID = r.ExternalQueueID.String
	}
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &job.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for job %s: %w", r.ID, err)
		}
	}
	if r.Result.Valid && r.Result.String != "" {
		if err := json.Unmarshal([]byte(r.Result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("corrupt result for job %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// NewStore creates the store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		external_queue_id TEXT,
		priority INTEGER NOT NULL DEFAULT 50,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		result TEXT,
		error_message TEXT,
		available_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_id, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Create persists a new pending job. The record is durable before Create
// returns.
func (s *Store) Create(ctx context.Context, job *v1.Job) error {
	payload := "{}"
	if job.Payload != nil {
		data, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = string(data)
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO jobs (id, workspace_id, project_id, job_type, payload, status,
			external_queue_id, priority, attempts, max_attempts, available_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		job.ID, job.WorkspaceID, job.ProjectID, string(job.JobType), payload,
		string(job.Status), job.ExternalQueueID, job.Priority, job.Attempts,
		job.MaxAttempts, job.CreatedAt, job.CreatedAt, job.UpdatedAt)
	return err
}

// Get returns a job scoped to a workspace. The scope check is part of the
// query so a wrong workspace behaves exactly like a missing job.
func (s *Store) Get(ctx context.Context, id, workspaceID string) (*v1.Job, error) {
	r := s.pool.Reader()
	var rec jobRecord
	query := r.Rebind(`SELECT * FROM jobs WHERE id = ? AND workspace_id = ?`)
	if err := r.GetContext(ctx, &rec, query, id, workspaceID); err != nil {
		return nil, err
	}
	return rec.toAPI()
}

// List returns jobs for a workspace, newest first, optionally filtered by
// status.
func (s *Store) List(ctx context.Context, workspaceID string, status v1.JobStatus, jobType v1.JobType, limit, offset int) ([]*v1.Job, int, error) {
	r := s.pool.Reader()

	where := `workspace_id = ?`
	args := []interface{}{workspaceID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}
	if jobType != "" {
		where += ` AND job_type = ?`
		args = append(args, string(jobType))
	}

	var total int
	countQuery := r.Rebind(`SELECT COUNT(*) FROM jobs WHERE ` + where)
	if err := r.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	var recs []jobRecord
	listQuery := r.Rebind(`SELECT * FROM jobs WHERE ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)
	if err := r.SelectContext(ctx, &recs, listQuery, args...); err != nil {
		return nil, 0, err
	}

	jobs := make([]*v1.Job, 0, len(recs))
	for i := range recs {
		job, err := recs[i].toAPI()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// Claim transitions a waiting job to processing, incrementing attempts.
// Returns false when another worker got there first or the job was
// cancelled meanwhile.
func (s *Store) Claim(ctx context.Context, id string) (*v1.Job, bool, error) {
	w := s.pool.Writer()
	now := time.Now().UTC()

	query := w.Rebind(`
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`)
	res, err := w.ExecContext(ctx, query,
		string(v1.JobStatusProcessing), now, now, id,
		string(v1.JobStatusPending), string(v1.JobStatusRetrying))
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		return nil, false, nil
	}

	var rec jobRecord
	get := w.Rebind(`SELECT * FROM jobs WHERE id = ?`)
	if err := w.GetContext(ctx, &rec, get, id); err != nil {
		return nil, false, err
	}
	job, err := rec.toAPI()
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Complete marks a processing job completed with its result. The conditional
// update discards results arriving for a job that was cancelled mid-flight.
func (s *Store) Complete(ctx context.Context, id string, result map[string]interface{}) (bool, error) {
	var resultJSON interface{}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = string(data)
	}

	w := s.pool.Writer()
	now := time.Now().UTC()
	query := w.Rebind(`
		UPDATE jobs
		SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := w.ExecContext(ctx, query,
		string(v1.JobStatusCompleted), resultJSON, now, now, id,
		string(v1.JobStatusProcessing))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Fail marks a job failed with an error message. Force overrides the
// processing-only guard for cancellation.
func (s *Store) Fail(ctx context.Context, id, errorMessage string, force bool) (bool, error) {
	w := s.pool.Writer()
	now := time.Now().UTC()

	query := `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`
	args := []interface{}{
		string(v1.JobStatusFailed), scrub.String(errorMessage), now, now, id,
		string(v1.JobStatusProcessing), string(v1.JobStatusPending), string(v1.JobStatusRetrying),
	}
	if !force {
		query = `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`
		args = []interface{}{
			string(v1.JobStatusFailed), scrub.String(errorMessage), now, now, id,
			string(v1.JobStatusProcessing),
		}
	}

	res, err := w.ExecContext(ctx, w.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// ScheduleRetry moves a processing job back to retrying with a backoff
// deadline.
func (s *Store) ScheduleRetry(ctx context.Context, id, errorMessage string, availableAt time.Time) (bool, error) {
	w := s.pool.Writer()
	now := time.Now().UTC()
	query := w.Rebind(`
		UPDATE jobs
		SET status = ?, error_message = ?, available_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := w.ExecContext(ctx, query,
		string(v1.JobStatusRetrying), scrub.String(errorMessage), availableAt, now, id,
		string(v1.JobStatusProcessing))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Stats returns queue occupancy counts. Waiting covers pending and retrying.
func (s *Store) Stats(ctx context.Context, workspaceID string) (*v1.QueueStats, error) {
	r := s.pool.Reader()

	type row struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var rows []row
	query := r.Rebind(`SELECT status, COUNT(*) AS n FROM jobs WHERE workspace_id = ? GROUP BY status`)
	if err := r.SelectContext(ctx, &rows, query, workspaceID); err != nil {
		return nil, err
	}

	stats := &v1.QueueStats{}
	for _, rw := range rows {
		switch v1.JobStatus(rw.Status) {
		case v1.JobStatusPending, v1.JobStatusRetrying:
			stats.Waiting += rw.N
		case v1.JobStatusProcessing:
			stats.Active += rw.N
		case v1.JobStatusCompleted:
			stats.Completed += rw.N
		case v1.JobStatusFailed:
			stats.Failed += rw.N
		}
	}
	return stats, nil
}

// Waiting returns all pending/retrying jobs, used to rebuild the dispatch
// index after a restart.
func (s *Store) Waiting(ctx context.Context) ([]*v1.Job, error) {
	r := s.pool.Reader()
	var recs []jobRecord
	query := r.Rebind(`SELECT * FROM jobs WHERE status IN (?, ?) ORDER BY created_at`)
	if err := r.SelectContext(ctx, &recs, query,
		string(v1.JobStatusPending), string(v1.JobStatusRetrying)); err != nil {
		return nil, err
	}

	jobs := make([]*v1.Job, 0, len(recs))
	for i := range recs {
		job, err := recs[i].toAPI()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ResetOrphans returns jobs stuck in processing (a previous process crashed
// mid-flight) to pending so they are re-dispatched.
func (s *Store) ResetOrphans(ctx context.Context) (int64, error) {
	w := s.pool.Writer()
	now := time.Now().UTC()
	query := w.Rebind(`
		UPDATE jobs SET status = ?, available_at = ?, updated_at = ?
		WHERE status = ?`)
	res, err := w.ExecContext(ctx, query,
		string(v1.JobStatusPending), now, now, string(v1.JobStatusProcessing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpired deletes terminal jobs past their retention window.
func (s *Store) PurgeExpired(ctx context.Context, completedTTLHours, failedTTLHours int) (int64, error) {
	w := s.pool.Writer()
	driver := s.pool.DriverName()

	cutoff := dialect.NowMinusHours(driver, "?")
	query := w.Rebind(fmt.Sprintf(`
		DELETE FROM jobs
		WHERE (status = ? AND completed_at < %s)
		   OR (status = ? AND completed_at < %s)`, cutoff, cutoff))

	res, err := w.ExecContext(ctx, query,
		string(v1.JobStatusCompleted), completedTTLHours,
		string(v1.JobStatusFailed), failedTTLHours)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NewJobID returns a fresh job identifier.
func NewJobID() string { return uuid.New().String() }
