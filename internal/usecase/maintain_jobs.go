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

const (
	sweepLeaseName   = "sweep"
	expireBatchSize  = 100
	maxExpireBatches = 50
)

// MaintenancePolicy configures the sweep.
type MaintenancePolicy struct {
	StaleAfter  time.Duration
	MaxAttempts int
	// Retention of zero keeps terminal jobs forever.
	Retention time.Duration
	// LeaseTTL bounds how long one process holds the sweep lease.
	LeaseTTL time.Duration
}

// SweepReport summarises one sweep.
type SweepReport struct {
	domain.SweepStats
	Expired int  `json:"expired"`
	Skipped bool `json:"skipped"`
}

// MaintainJobsUsecase owns the transitions that happen outside the claim path:
// retry promotion, stale reclaim and retention.
type MaintainJobsUsecase struct {
	jobs    repository.JobRepository
	results repository.ResultRepository
	blobs   repository.BlobStore
	leases  repository.LeaseStore
	policy  MaintenancePolicy
	logger  *zap.Logger
	now     func() time.Time
}

// NewMaintainJobsUsecase creates a new MaintainJobsUsecase. leases may be nil,
// in which case every caller sweeps.
func NewMaintainJobsUsecase(
	jobs repository.JobRepository,
	results repository.ResultRepository,
	blobs repository.BlobStore,
	leases repository.LeaseStore,
	policy MaintenancePolicy,
	logger *zap.Logger,
) *MaintainJobsUsecase {
	return &MaintainJobsUsecase{
		jobs:    jobs,
		results: results,
		blobs:   blobs,
		leases:  leases,
		policy:  policy,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequeueDue moves failed jobs whose backoff has elapsed back to PENDING.
func (uc *MaintainJobsUsecase) RequeueDue(ctx context.Context) (int64, error) {
	n, err := uc.jobs.RequeueDue(ctx, uc.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.JobsRequeued.Add(float64(n))
		uc.logger.Info("Requeued jobs for retry", zap.Int64("count", n))
	}
	return n, nil
}

// Sweep reclaims jobs stuck in PROCESSING past the staleness window and, when
// retention is enabled, deletes expired terminal jobs. Only the holder of the
// sweep lease does any work. The lease is kept until its TTL runs out, so one
// process sweeps per lease period; the holder renews it on its next sweep.
func (uc *MaintainJobsUsecase) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if uc.leases != nil {
		ok, err := uc.leases.AcquireLease(ctx, sweepLeaseName, uc.policy.LeaseTTL)
		if err != nil {
			return report, err
		}
		if !ok {
			uc.logger.Debug("Sweep lease held elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
	}

	now := uc.now()
	stats, err := uc.jobs.ReclaimStale(ctx, now.Add(-uc.policy.StaleAfter), uc.policy.MaxAttempts)
	if err != nil {
		return report, err
	}
	report.SweepStats = stats
	if stats.Total() > 0 {
		metrics.JobsReclaimed.Add(float64(stats.Reclaimed))
		uc.logger.Warn("Reclaimed stale jobs",
			zap.Int64("reclaimed", stats.Reclaimed),
			zap.Int64("abandoned", stats.Abandoned),
			zap.Int64("recovered", stats.Recovered),
			zap.Duration("stale_after", uc.policy.StaleAfter),
		)
	}

	if uc.policy.Retention > 0 {
		report.Expired, err = uc.expire(ctx, now.Add(-uc.policy.Retention))
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// ReleaseLease gives the sweep lease up before it expires, for a process
// that is shutting down or a one-off sweep. It is a no-op for a lease held
// by someone else.
func (uc *MaintainJobsUsecase) ReleaseLease(ctx context.Context) error {
	if uc.leases == nil {
		return nil
	}
	return uc.leases.ReleaseLease(ctx, sweepLeaseName)
}

func (uc *MaintainJobsUsecase) expire(ctx context.Context, before time.Time) (int, error) {
	expired := 0
	for batch := 0; batch < maxExpireBatches; batch++ {
		jobs, err := uc.jobs.ListExpired(ctx, before, expireBatchSize)
		if err != nil {
			return expired, err
		}
		for _, job := range jobs {
			if err := uc.deleteJob(ctx, job); err != nil {
				return expired, err
			}
			expired++
		}
		if len(jobs) < expireBatchSize {
			break
		}
	}
	if expired > 0 {
		metrics.JobsExpired.Add(float64(expired))
		uc.logger.Info("Expired terminal jobs", zap.Int("count", expired), zap.Time("before", before))
	}
	return expired, nil
}

// deleteJob removes blob, job and result in that order. Until the job row is
// gone the job keeps being listed as expired.
func (uc *MaintainJobsUsecase) deleteJob(ctx context.Context, job *domain.Job) error {
	if err := uc.blobs.Delete(ctx, job.BlobRef); err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
		return err
	}
	if err := uc.jobs.Delete(ctx, job.JobID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return err
	}
	return uc.results.DeleteByJobID(ctx, job.JobID)
}
