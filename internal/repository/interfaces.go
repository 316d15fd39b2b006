package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ageprobe/ageprobe/internal/domain"
)

// JobRepository is the durable store of image jobs. It owns every state
// transition; implementations must be safe for concurrent use across
// goroutines and processes.
type JobRepository interface {
	// Create inserts a new PENDING job with zero attempts.
	Create(ctx context.Context, job *domain.Job) error

	// ClaimNextPending atomically moves the oldest PENDING job to PROCESSING,
	// incrementing its attempts. It returns (nil, nil) when nothing is pending.
	ClaimNextPending(ctx context.Context) (*domain.Job, error)

	// MarkProcessed moves a PROCESSING job to PROCESSED. attempt must match the
	// value returned by the claim; otherwise domain.ErrJobNotFound is returned.
	MarkProcessed(ctx context.Context, id uuid.UUID, attempt int) error

	// MarkFailed moves a PROCESSING job to FAILED. A non-nil retryAt schedules
	// the job for RequeueDue; nil makes the failure terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, reason string, retryAt *time.Time) error

	// RequeueDue moves FAILED jobs whose retry time has passed back to PENDING.
	RequeueDue(ctx context.Context, now time.Time) (int64, error)

	// ReclaimStale handles PROCESSING jobs claimed before olderThan: jobs with a
	// stored result become PROCESSED, exhausted jobs become terminal FAILED and
	// the rest return to PENDING.
	ReclaimStale(ctx context.Context, olderThan time.Time, maxAttempts int) (domain.SweepStats, error)

	// GetByID returns domain.ErrJobNotFound when the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ListExpired returns terminal jobs last updated before the cutoff.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)

	Delete(ctx context.Context, id uuid.UUID) error
}

// ResultRepository stores completed analyses, at most one per (job, upload date).
type ResultRepository interface {
	// Insert stores a result and fills in its ID. It returns domain.ErrDuplicate
	// when a result already exists for the same job and upload date.
	Insert(ctx context.Context, result *domain.Result) error

	// GetByJobID returns domain.ErrResultNotFound when no result exists.
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*domain.Result, error)

	DeleteByJobID(ctx context.Context, jobID uuid.UUID) error

	// ListAgeSamples returns (actual, predicted) pairs for results that carry a
	// ground-truth age, newest first.
	ListAgeSamples(ctx context.Context, limit int) ([]domain.AgeSample, error)
}

// BlobStore holds raw image bytes.
type BlobStore interface {
	Put(ctx context.Context, filename string, data []byte) (domain.BlobRef, error)

	// Get returns domain.ErrBlobNotFound when the reference is unknown.
	Get(ctx context.Context, ref domain.BlobRef) ([]byte, error)

	// Delete returns domain.ErrBlobNotFound when the reference is unknown.
	Delete(ctx context.Context, ref domain.BlobRef) error
}

// Analyzer is the external age/gender estimation service.
type Analyzer interface {
	// Analyze returns domain.ErrAnalyzerUnavailable on timeouts and transport
	// failures and domain.ErrInvalidAnalyzerResponse on schema mismatches.
	// It never retries.
	Analyze(ctx context.Context, filename string, data []byte) (*domain.Analysis, error)
}

// LeaseStore hands out short, named, cross-process leases.
type LeaseStore interface {
	// AcquireLease returns true if this caller now holds the lease for ttl.
	// A holder acquiring again extends its lease.
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease early.
	ReleaseLease(ctx context.Context, name string) error
}
