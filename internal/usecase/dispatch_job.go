package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/metrics"
	"github.com/ageprobe/ageprobe/internal/repository"
)

// DefaultPersistTimeout bounds the store writes that record a cycle's outcome
// when RetryPolicy.PersistTimeout is zero.
const DefaultPersistTimeout = 10 * time.Second

// RetryPolicy bounds attempts and spaces retries out exponentially.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// PersistTimeout is how long outcome writes may run past the cycle's
	// deadline.
	PersistTimeout time.Duration
}

func (p RetryPolicy) persistTimeout() time.Duration {
	if p.PersistTimeout <= 0 {
		return DefaultPersistTimeout
	}
	return p.PersistTimeout
}

// Delay returns BackoffBase * 2^attempts, capped at BackoffMax.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.BackoffBase
	for i := 0; i < attempts; i++ {
		if d >= p.BackoffMax/2 {
			return p.BackoffMax
		}
		d *= 2
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// DispatchJobUsecase drives one claimed job from PROCESSING to its next state.
type DispatchJobUsecase struct {
	jobs     repository.JobRepository
	results  repository.ResultRepository
	blobs    repository.BlobStore
	analyzer repository.Analyzer
	policy   RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatchJobUsecase creates a new DispatchJobUsecase.
func NewDispatchJobUsecase(
	jobs repository.JobRepository,
	results repository.ResultRepository,
	blobs repository.BlobStore,
	analyzer repository.Analyzer,
	policy RetryPolicy,
	logger *zap.Logger,
) *DispatchJobUsecase {
	return &DispatchJobUsecase{
		jobs:     jobs,
		results:  results,
		blobs:    blobs,
		analyzer: analyzer,
		policy:   policy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch runs one cycle: blob fetch, analysis, result insert, terminal mark.
// Analyzer and blob failures become the job's FAILED state and are not
// returned. Storage errors are returned and leave the job as it is, for the
// staleness sweep to reclaim.
func (uc *DispatchJobUsecase) Dispatch(ctx context.Context, job *domain.Job) error {
	log := uc.logger.With(
		zap.String("job_id", job.JobID.String()),
		zap.Int("attempt", job.Attempts),
	)

	// Step 1: A previous attempt may have stored the result and died before marking.
	if _, err := uc.results.GetByJobID(ctx, job.JobID); err == nil {
		log.Info("Result already stored, completing job")
		return uc.complete(ctx, job, log, metrics.OutcomeRecovered)
	} else if !errors.Is(err, domain.ErrResultNotFound) {
		log.Error("Failed to look up existing result", zap.Error(err))
		return err
	}

	// Step 2: Fetch the image
	data, err := uc.blobs.Get(ctx, job.BlobRef)
	if errors.Is(err, domain.ErrBlobNotFound) {
		log.Warn("Image blob missing, failing job", zap.String("blob_ref", string(job.BlobRef)))
		return uc.fail(ctx, job, log, "image blob missing", false)
	}
	if err != nil {
		log.Error("Failed to fetch image blob", zap.Error(err))
		return err
	}

	// Step 3: Analyze
	start := time.Now()
	analysis, err := uc.analyzer.Analyze(ctx, job.Filename, data)
	if err == nil {
		// Step 4: Validate before anything is stored
		err = analysis.Validate()
	}
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAnalyzerResponse) {
			metrics.AnalyzerDuration.WithLabelValues("invalid").Observe(elapsed.Seconds())
			log.Error("Analyzer returned an invalid payload",
				zap.String("reason", "contract_mismatch"), zap.Error(err))
		} else {
			metrics.AnalyzerDuration.WithLabelValues("unavailable").Observe(elapsed.Seconds())
			log.Warn("Analyzer call failed",
				zap.String("reason", "unavailable"), zap.Duration("elapsed", elapsed), zap.Error(err))
		}
		return uc.fail(ctx, job, log, err.Error(), true)
	}
	metrics.AnalyzerDuration.WithLabelValues("ok").Observe(elapsed.Seconds())

	// Step 5: Store the result; a duplicate means an earlier attempt got here first.
	pctx, cancel := uc.persistContext(ctx)
	defer cancel()
	result := &domain.Result{
		JobID:      job.JobID,
		Analysis:   *analysis,
		ActualAge:  job.ActualAge,
		UploadedAt: job.CreatedAt,
	}
	if err := uc.results.Insert(pctx, result); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			log.Error("Failed to store result", zap.Error(err))
			return err
		}
		log.Info("Result already stored by an earlier attempt")
	}

	// Step 6: Mark processed
	return uc.complete(pctx, job, log, metrics.OutcomeProcessed)
}

func (uc *DispatchJobUsecase) complete(ctx context.Context, job *domain.Job, log *zap.Logger, outcome string) error {
	if err := uc.jobs.MarkProcessed(ctx, job.JobID, job.Attempts); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return uc.lostClaim(ctx, job, log)
		}
		log.Error("Failed to mark job processed", zap.Error(err))
		return err
	}
	metrics.JobsTotal.WithLabelValues(outcome).Inc()
	log.Info("Job processed", zap.String("outcome", outcome))
	return nil
}

// fail records a FAILED state. Retryable failures get a retry time while
// attempts remain; everything else is terminal.
func (uc *DispatchJobUsecase) fail(ctx context.Context, job *domain.Job, log *zap.Logger, reason string, retryable bool) error {
	pctx, cancel := uc.persistContext(ctx)
	defer cancel()

	var retryAt *time.Time
	if retryable && job.Attempts < uc.policy.MaxAttempts {
		t := uc.now().Add(uc.policy.Delay(job.Attempts))
		retryAt = &t
	}

	if err := uc.jobs.MarkFailed(pctx, job.JobID, job.Attempts, reason, retryAt); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return uc.lostClaim(pctx, job, log)
		}
		log.Error("Failed to mark job failed", zap.Error(err))
		return err
	}

	if retryAt != nil {
		metrics.JobsTotal.WithLabelValues(metrics.OutcomeRetry).Inc()
		log.Info("Job failed, retry scheduled", zap.Time("retry_at", *retryAt), zap.String("reason", reason))
		return nil
	}
	metrics.JobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	log.Warn("Job failed permanently", zap.Int("max_attempts", uc.policy.MaxAttempts), zap.String("reason", reason))

	// A swept earlier attempt may have stored a result after our step 1 check.
	// Later stale inserters see the terminal state in lostClaim.
	if err := uc.results.DeleteByJobID(pctx, job.JobID); err != nil {
		log.Error("Failed to remove result of failed job", zap.Error(err))
		return err
	}
	return nil
}

// lostClaim handles a transition rejected because the job is no longer
// PROCESSING under this attempt (the sweep moved it). A result written by
// this cycle must not outlive a terminal failure.
func (uc *DispatchJobUsecase) lostClaim(ctx context.Context, job *domain.Job, log *zap.Logger) error {
	metrics.JobsTotal.WithLabelValues(metrics.OutcomeLost).Inc()
	current, err := uc.jobs.GetByID(ctx, job.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			log.Warn("Job deleted while processing")
			return nil
		}
		return err
	}
	log.Warn("Job no longer held by this worker",
		zap.String("status", string(current.Status)), zap.Int("current_attempt", current.Attempts))
	if current.Status == domain.StatusFailed && current.IsTerminal() {
		if err := uc.results.DeleteByJobID(ctx, job.JobID); err != nil {
			log.Error("Failed to remove result of failed job", zap.Error(err))
			return err
		}
	}
	return nil
}

// persistContext keeps outcome writes alive when the caller's context has
// been cancelled mid-cycle. The writes never run later than the caller's
// deadline plus the persist timeout, so a cycle started with deadline D is
// over by D + PersistTimeout.
func (uc *DispatchJobUsecase) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := uc.policy.persistTimeout()
	deadline := time.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Add(budget).Before(deadline) {
		deadline = d.Add(budget)
	}
	return context.WithDeadline(context.WithoutCancel(ctx), deadline)
}
