package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

const maxAgeSamples = 1000

// GetResultUsecase returns finished analyses together with their image.
type GetResultUsecase struct {
	jobs    repository.JobRepository
	results repository.ResultRepository
	blobs   repository.BlobStore
	logger  *zap.Logger
}

// NewGetResultUsecase creates a new GetResultUsecase.
func NewGetResultUsecase(
	jobs repository.JobRepository,
	results repository.ResultRepository,
	blobs repository.BlobStore,
	logger *zap.Logger,
) *GetResultUsecase {
	return &GetResultUsecase{
		jobs:    jobs,
		results: results,
		blobs:   blobs,
		logger:  logger,
	}
}

// Execute returns domain.ErrResultNotFound unless the job is PROCESSED. The
// image is read from the blob store on every call; a missing blob yields a
// result without image data.
func (uc *GetResultUsecase) Execute(ctx context.Context, id uuid.UUID) (*domain.ResultResponse, error) {
	job, err := uc.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrResultNotFound)
		}
		return nil, err
	}
	if job.Status != domain.StatusProcessed {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrResultNotFound)
	}

	result, err := uc.results.GetByJobID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrResultNotFound) {
			uc.logger.Error("Processed job has no result", zap.String("job_id", id.String()))
		}
		return nil, err
	}

	resp := &domain.ResultResponse{
		JobID:      job.JobID,
		Filename:   job.Filename,
		Analysis:   result.Analysis,
		ActualAge:  result.ActualAge,
		UploadedAt: result.UploadedAt,
	}
	if correct, ok := result.IsCorrect(); ok {
		resp.IsCorrect = &correct
	}

	data, err := uc.blobs.Get(ctx, job.BlobRef)
	switch {
	case err == nil:
		resp.ImageBase64 = base64.StdEncoding.EncodeToString(data)
	case errors.Is(err, domain.ErrBlobNotFound):
		uc.logger.Warn("Image blob missing for processed job",
			zap.String("job_id", id.String()), zap.String("blob_ref", string(job.BlobRef)))
	default:
		return nil, err
	}
	return resp, nil
}

// AgeComparisonUsecase lists predicted ages next to submitted ground truth.
type AgeComparisonUsecase struct {
	results repository.ResultRepository
}

// NewAgeComparisonUsecase creates a new AgeComparisonUsecase.
func NewAgeComparisonUsecase(results repository.ResultRepository) *AgeComparisonUsecase {
	return &AgeComparisonUsecase{results: results}
}

// Execute returns at most limit samples, newest first. Non-positive or
// oversized limits fall back to the maximum.
func (uc *AgeComparisonUsecase) Execute(ctx context.Context, limit int) ([]domain.AgeSample, error) {
	if limit <= 0 || limit > maxAgeSamples {
		limit = maxAgeSamples
	}
	return uc.results.ListAgeSamples(ctx, limit)
}
