package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"climdex/internal/types"
)

// JobStatus is the lifecycle state of a percentile job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one request to compute a percentile field out of band.
type Job struct {
	ID          string
	Fingerprint string
	DatasetRef  string
	Variable    string
	Status      JobStatus
	Error       *string
	RequestedAt time.Time
	CompletedAt *time.Time
}

// JobRepository tracks percentile jobs so duplicate requests for the same
// fingerprint are not dispatched twice.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// Create records a pending job.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO percentile_jobs (id, fingerprint, dataset_ref, variable, status, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Fingerprint, job.DatasetRef, job.Variable, string(JobPending), job.RequestedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create percentile job", err)
	}
	return nil
}

// PendingForFingerprint returns the pending job for fingerprint, or nil when
// there is none.
func (r *JobRepository) PendingForFingerprint(ctx context.Context, fingerprint string) (*Job, error) {
	var (
		job    Job
		status string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, fingerprint, dataset_ref, variable, status, requested_at
		 FROM percentile_jobs
		 WHERE fingerprint = $1 AND status = $2
		 ORDER BY requested_at DESC LIMIT 1`,
		fingerprint, string(JobPending),
	).Scan(&job.ID, &job.Fingerprint, &job.DatasetRef, &job.Variable, &status, &job.RequestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query percentile jobs", err)
	}
	job.Status = JobStatus(status)
	return &job, nil
}

// MarkCompleted closes a job successfully.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return r.finish(ctx, id, JobCompleted, nil, at)
}

// MarkFailed closes a job with the error that stopped it.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, cause error, at time.Time) error {
	msg := cause.Error()
	return r.finish(ctx, id, JobFailed, &msg, at)
}

// FailPendingBefore fails every job still pending that was requested before
// cutoff, so its fingerprint can be dispatched again. It returns the number of
// jobs closed.
func (r *JobRepository) FailPendingBefore(ctx context.Context, cutoff time.Time, reason string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE percentile_jobs SET status = $1, error = $2, completed_at = $3
		 WHERE status = $4 AND requested_at < $5`,
		string(JobFailed), reason, at, string(JobPending), cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire percentile jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) finish(ctx context.Context, id string, status JobStatus, msg *string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE percentile_jobs SET status = $2, error = $3, completed_at = $4 WHERE id = $1`,
		id, string(status), msg, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update percentile job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected,
			"percentile job not found", nil, map[string]any{"job_id": id})
	}
	return nil
}
