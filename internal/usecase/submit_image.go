package usecase

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/metrics"
	"github.com/ageprobe/ageprobe/internal/publisher"
	"github.com/ageprobe/ageprobe/internal/repository"
)

const maxActualAge = 150

var (
	allowedExtensions = map[string]bool{"png": true, "jpg": true, "jpeg": true, "gif": true}
	allowedMIMETypes  = []string{"image/png", "image/jpeg", "image/gif"}

	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// SubmitImageUsecase validates an upload, stores it and creates its job.
type SubmitImageUsecase struct {
	jobs      repository.JobRepository
	blobs     repository.BlobStore
	publisher publisher.Publisher
	maxBytes  int64
	logger    *zap.Logger
}

// NewSubmitImageUsecase creates a new SubmitImageUsecase.
func NewSubmitImageUsecase(
	jobs repository.JobRepository,
	blobs repository.BlobStore,
	pub publisher.Publisher,
	maxBytes int64,
	logger *zap.Logger,
) *SubmitImageUsecase {
	return &SubmitImageUsecase{
		jobs:      jobs,
		blobs:     blobs,
		publisher: pub,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// SanitizeFilename strips directory components and replaces characters
// outside [A-Za-z0-9._-]. It returns "" when nothing usable remains.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	return name
}

func validateSubmission(req *domain.SubmitRequest, maxBytes int64) (string, error) {
	filename := SanitizeFilename(req.Filename)
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 || !allowedExtensions[strings.ToLower(filename[dot+1:])] {
		return "", domain.ErrUnsupportedFileType
	}
	if len(req.Data) == 0 {
		return "", domain.ErrEmptyImage
	}
	if maxBytes > 0 && int64(len(req.Data)) > maxBytes {
		return "", domain.ErrPayloadTooLarge
	}
	if !mimetype.EqualsAny(mimetype.Detect(req.Data).String(), allowedMIMETypes...) {
		return "", domain.ErrUnsupportedFileType
	}
	if req.ActualAge != nil && (*req.ActualAge < 0 || *req.ActualAge > maxActualAge) {
		return "", domain.ErrInvalidActualAge
	}
	return filename, nil
}

// Execute stores the blob, creates a PENDING job and announces it. Validation
// failures are returned as-is; a failed announcement is only logged because
// workers also poll.
func (uc *SubmitImageUsecase) Execute(ctx context.Context, req *domain.SubmitRequest) (*domain.SubmitResponse, error) {
	filename, err := validateSubmission(req, uc.maxBytes)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate UUIDv7: %w", err)
	}
	log := uc.logger.With(zap.String("job_id", jobID.String()))

	// Step 1: Store the image
	ref, err := uc.blobs.Put(ctx, filename, req.Data)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		log.Error("Failed to store image blob", zap.Error(err))
		return nil, fmt.Errorf("store image: %w", err)
	}

	// Step 2: Create the job
	job := &domain.Job{
		JobID:     jobID,
		BlobRef:   ref,
		Filename:  filename,
		ActualAge: req.ActualAge,
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		log.Error("Failed to create job", zap.Error(err))
		if delErr := uc.blobs.Delete(context.WithoutCancel(ctx), ref); delErr != nil && !errors.Is(delErr, domain.ErrBlobNotFound) {
			log.Warn("Failed to remove orphaned image blob", zap.String("blob_ref", string(ref)), zap.Error(delErr))
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	// Step 3: Wake a worker
	if uc.publisher != nil {
		event := &domain.WakeEvent{JobID: jobID, CreatedAt: time.Now().UTC()}
		if err := uc.publisher.Publish(ctx, event); err != nil {
			metrics.WakeupPublishFailures.Inc()
			log.Warn("Failed to publish wake event, job will be picked up by polling", zap.Error(err))
		}
	}

	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	log.Info("Image submitted",
		zap.String("filename", filename),
		zap.Int("size_bytes", len(req.Data)),
	)

	return &domain.SubmitResponse{
		JobID:  jobID,
		Status: domain.StatusPending,
	}, nil
}
