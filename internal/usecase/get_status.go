package usecase

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

// GetStatusUsecase answers status polls. It only reads.
type GetStatusUsecase struct {
	repo   repository.JobRepository
	logger *zap.Logger
}

// NewGetStatusUsecase creates a new GetStatusUsecase.
func NewGetStatusUsecase(repo repository.JobRepository, logger *zap.Logger) *GetStatusUsecase {
	return &GetStatusUsecase{
		repo:   repo,
		logger: logger,
	}
}

// Execute reports the job's state. Unknown jobs are reported as NOT_FOUND
// rather than as an error; only storage failures are returned.
func (uc *GetStatusUsecase) Execute(ctx context.Context, id uuid.UUID) (*domain.StatusResponse, error) {
	job, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			uc.logger.Debug("Status requested for unknown job", zap.String("job_id", id.String()))
			return &domain.StatusResponse{JobID: id, Status: domain.StatusNotFound, Terminal: true}, nil
		}
		return nil, err
	}

	return &domain.StatusResponse{
		JobID:     job.JobID,
		Status:    job.Status,
		Attempts:  job.Attempts,
		LastError: job.LastError,
		RetryAt:   job.RetryAt,
		Terminal:  job.IsTerminal(),
	}, nil
}
