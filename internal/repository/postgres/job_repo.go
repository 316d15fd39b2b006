package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

// Ensure pgJobRepo implements repository.JobRepository.
var _ repository.JobRepository = (*pgJobRepo)(nil)

const jobColumns = `job_id, blob_ref, filename, actual_age, status, attempts,
	COALESCE(last_error, ''), retry_at, claimed_at, created_at, updated_at`

const abandonedReason = "abandoned: processing exceeded the staleness window"

type pgJobRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresJobRepository creates a new PostgreSQL-backed job repository.
func NewPostgresJobRepository(pool *pgxpool.Pool) repository.JobRepository {
	return &pgJobRepo{pool: pool}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	job := &domain.Job{}
	err := row.Scan(
		&job.JobID, &job.BlobRef, &job.Filename, &job.ActualAge, &job.Status, &job.Attempts,
		&job.LastError, &job.RetryAt, &job.ClaimedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *pgJobRepo) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO image_jobs (job_id, blob_ref, filename, actual_age, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)`

	ts := now()
	_, err := r.pool.Exec(ctx, query,
		job.JobID, job.BlobRef, job.Filename, job.ActualAge, domain.StatusPending, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create job %s: %w", job.JobID, domain.ErrDuplicate)
		}
		return storageErr("create job", err)
	}
	job.Status = domain.StatusPending
	job.Attempts = 0
	job.CreatedAt = ts
	job.UpdatedAt = ts
	return nil
}

// ClaimNextPending claims in one statement; SKIP LOCKED lets concurrent
// claimers pass over each other's candidate rows instead of blocking.
func (r *pgJobRepo) ClaimNextPending(ctx context.Context) (*domain.Job, error) {
	query := `
		UPDATE image_jobs
		SET status = 'PROCESSING', attempts = attempts + 1, claimed_at = $1, updated_at = $1, retry_at = NULL
		WHERE job_id = (
			SELECT job_id FROM image_jobs
			WHERE status = 'PENDING'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query, now()))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storageErr("claim job", err)
	}
	return job, nil
}

func (r *pgJobRepo) MarkProcessed(ctx context.Context, id uuid.UUID, attempt int) error {
	query := `
		UPDATE image_jobs
		SET status = 'PROCESSED', last_error = NULL, retry_at = NULL, updated_at = $1
		WHERE job_id = $2 AND status = 'PROCESSING' AND attempts = $3`

	tag, err := r.pool.Exec(ctx, query, now(), id, attempt)
	if err != nil {
		return storageErr("mark processed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark processed %s (attempt %d): %w", id, attempt, domain.ErrJobNotFound)
	}
	return nil
}

func (r *pgJobRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, reason string, retryAt *time.Time) error {
	query := `
		UPDATE image_jobs
		SET status = 'FAILED', last_error = $1, retry_at = $2, updated_at = $3
		WHERE job_id = $4 AND status = 'PROCESSING' AND attempts = $5`

	tag, err := r.pool.Exec(ctx, query, reason, retryAt, now(), id, attempt)
	if err != nil {
		return storageErr("mark failed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark failed %s (attempt %d): %w", id, attempt, domain.ErrJobNotFound)
	}
	return nil
}

func (r *pgJobRepo) RequeueDue(ctx context.Context, at time.Time) (int64, error) {
	query := `
		UPDATE image_jobs
		SET status = 'PENDING', retry_at = NULL, updated_at = $1
		WHERE status = 'FAILED' AND retry_at IS NOT NULL AND retry_at <= $1`

	tag, err := r.pool.Exec(ctx, query, at.UTC())
	if err != nil {
		return 0, storageErr("requeue due jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgJobRepo) ReclaimStale(ctx context.Context, olderThan time.Time, maxAttempts int) (domain.SweepStats, error) {
	query := `
		WITH stale AS (
			SELECT j.job_id,
			       EXISTS (SELECT 1 FROM analysis_results r WHERE r.job_id = j.job_id) AS has_result
			FROM image_jobs j
			WHERE j.status = 'PROCESSING' AND j.claimed_at < $1
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE image_jobs j
		SET status = CASE
		        WHEN stale.has_result THEN 'PROCESSED'
		        WHEN j.attempts >= $2 THEN 'FAILED'
		        ELSE 'PENDING'
		    END,
		    last_error = CASE
		        WHEN stale.has_result THEN NULL
		        WHEN j.attempts >= $2 THEN $3::text
		        ELSE j.last_error
		    END,
		    claimed_at = NULL,
		    retry_at = NULL,
		    updated_at = $4
		FROM stale
		WHERE j.job_id = stale.job_id
		RETURNING j.status`

	rows, err := r.pool.Query(ctx, query, olderThan.UTC(), maxAttempts, abandonedReason, now())
	if err != nil {
		return domain.SweepStats{}, storageErr("reclaim stale jobs", err)
	}
	defer rows.Close()

	var stats domain.SweepStats
	for rows.Next() {
		var status domain.JobStatus
		if err := rows.Scan(&status); err != nil {
			return stats, storageErr("scan reclaimed job", err)
		}
		switch status {
		case domain.StatusPending:
			stats.Reclaimed++
		case domain.StatusFailed:
			stats.Abandoned++
		case domain.StatusProcessed:
			stats.Recovered++
		}
	}
	if err := rows.Err(); err != nil {
		return stats, storageErr("reclaim stale jobs", err)
	}
	return stats, nil
}

func (r *pgJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM image_jobs WHERE job_id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("postgres: get job %s: %w", id, domain.ErrJobNotFound)
		}
		return nil, storageErr("get job by id", err)
	}
	return job, nil
}

func (r *pgJobRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM image_jobs
		WHERE (status = 'PROCESSED' OR (status = 'FAILED' AND retry_at IS NULL))
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, before.UTC(), limit)
	if err != nil {
		return nil, storageErr("list expired jobs", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan expired job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list expired jobs", err)
	}
	return jobs, nil
}

func (r *pgJobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM image_jobs WHERE job_id = $1`, id)
	if err != nil {
		return storageErr("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete job %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}
