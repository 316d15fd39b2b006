package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

var _ repository.ResultRepository = (*pgResultRepo)(nil)

type pgResultRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresResultRepository creates a new PostgreSQL-backed result repository.
func NewPostgresResultRepository(pool *pgxpool.Pool) repository.ResultRepository {
	return &pgResultRepo{pool: pool}
}

func (r *pgResultRepo) Insert(ctx context.Context, result *domain.Result) error {
	query := `
		INSERT INTO analysis_results
			(result_id, job_id, upload_date, predicted_age, gender, confidence, actual_age, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("postgres: generate result id: %w", err)
	}
	ts := now()
	_, err = r.pool.Exec(ctx, query,
		id, result.JobID, result.UploadedAt.UTC(), result.Analysis.Age,
		result.Analysis.Gender, result.Analysis.Confidence, result.ActualAge, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: insert result for job %s: %w", result.JobID, domain.ErrDuplicate)
		}
		return storageErr("insert result", err)
	}
	result.ResultID = id
	result.CreatedAt = ts
	return nil
}

func (r *pgResultRepo) GetByJobID(ctx context.Context, jobID uuid.UUID) (*domain.Result, error) {
	query := `
		SELECT result_id, job_id, upload_date, predicted_age, COALESCE(gender, ''), confidence, actual_age, created_at
		FROM analysis_results
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	res := &domain.Result{}
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&res.ResultID, &res.JobID, &res.UploadedAt, &res.Analysis.Age,
		&res.Analysis.Gender, &res.Analysis.Confidence, &res.ActualAge, &res.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("postgres: get result for job %s: %w", jobID, domain.ErrResultNotFound)
		}
		return nil, storageErr("get result", err)
	}
	return res, nil
}

func (r *pgResultRepo) DeleteByJobID(ctx context.Context, jobID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM analysis_results WHERE job_id = $1`, jobID); err != nil {
		return storageErr("delete result", err)
	}
	return nil
}

func (r *pgResultRepo) ListAgeSamples(ctx context.Context, limit int) ([]domain.AgeSample, error) {
	query := `
		SELECT actual_age, predicted_age
		FROM analysis_results
		WHERE actual_age IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, storageErr("list age samples", err)
	}
	defer rows.Close()

	samples := make([]domain.AgeSample, 0)
	for rows.Next() {
		var s domain.AgeSample
		if err := rows.Scan(&s.ActualAge, &s.PredictedAge); err != nil {
			return nil, storageErr("scan age sample", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list age samples", err)
	}
	return samples, nil
}
