package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/metrics"
	"github.com/ageprobe/ageprobe/internal/repository"
	"github.com/ageprobe/ageprobe/internal/usecase"
)

// Dispatcher runs one claimed job to its next state.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) error
}

// Maintainer owns the transitions outside the claim path.
type Maintainer interface {
	RequeueDue(ctx context.Context) (int64, error)
	Sweep(ctx context.Context) (usecase.SweepReport, error)
}

// Options sizes the pool and its timers.
type Options struct {
	PoolSize      int
	PollInterval  time.Duration
	SweepInterval time.Duration
	// CycleTimeout is the deadline of a single dispatcher cycle. Outcome
	// writes may run the dispatcher's persist timeout past it; the sum must
	// stay below the staleness window.
	CycleTimeout time.Duration
}

// Scheduler runs a fixed-size pool of workers that claim pending jobs from
// the JobStore, plus one maintenance loop for retries and the stale sweep.
type Scheduler struct {
	jobs       repository.JobRepository
	dispatcher Dispatcher
	maintainer Maintainer
	opts       Options
	logger     *zap.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Scheduler. maintainer may be nil to run workers only.
func New(jobs repository.JobRepository, dispatcher Dispatcher, maintainer Maintainer, opts Options, logger *zap.Logger) *Scheduler {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Scheduler{
		jobs:       jobs,
		dispatcher: dispatcher,
		maintainer: maintainer,
		opts:       opts,
		logger:     logger,
		wake:       make(chan struct{}, opts.PoolSize),
	}
}

// Start launches the workers and the maintenance loop. It returns
// immediately; call Stop to shut down. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		s.logger.Info("Starting scheduler",
			zap.Int("pool_size", s.opts.PoolSize),
			zap.Duration("poll_interval", s.opts.PollInterval),
			zap.Duration("sweep_interval", s.opts.SweepInterval),
		)

		for i := 0; i < s.opts.PoolSize; i++ {
			s.wg.Add(1)
			go s.worker(ctx, i)
		}
		if s.maintainer != nil {
			s.wg.Add(1)
			go s.maintain(ctx)
		}
	})
}

// Stop stops claiming new work and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

// Wake nudges one idle worker to poll now instead of waiting for its timer.
// It never blocks; wake-ups beyond the pool size are dropped.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker_id", id))
	log.Debug("Worker started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker shutting down")
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Drain the queue before sleeping again.
		for ctx.Err() == nil {
			job, err := s.jobs.ClaimNextPending(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("Failed to claim job", zap.Error(err))
				}
				break
			}
			if job == nil {
				break
			}
			s.run(ctx, log, job)
		}
		timer.Reset(s.opts.PollInterval)
	}
}

// run executes one dispatcher cycle. A claimed job is always driven to its
// next state, so the cycle is detached from scheduler shutdown.
func (s *Scheduler) run(ctx context.Context, log *zap.Logger, job *domain.Job) {
	cycleCtx := context.WithoutCancel(ctx)
	if s.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(cycleCtx, s.opts.CycleTimeout)
		defer cancel()
	}

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Dispatcher panic recovered",
				zap.String("job_id", job.JobID.String()),
				zap.Any("panic", r),
			)
		}
	}()

	log.Debug("Worker processing job",
		zap.String("job_id", job.JobID.String()),
		zap.Int("attempt", job.Attempts),
	)
	if err := s.dispatcher.Dispatch(cycleCtx, job); err != nil {
		// The job stays PROCESSING; the sweep reclaims it after the staleness window.
		log.Error("Dispatcher cycle failed",
			zap.String("job_id", job.JobID.String()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	defer s.wg.Done()

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			n, err := s.maintainer.RequeueDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Failed to requeue due jobs", zap.Error(err))
				}
				continue
			}
			for i := int64(0); i < n && i < int64(s.opts.PoolSize); i++ {
				s.Wake()
			}
		case <-sweep.C:
			report, err := s.maintainer.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("Sweep failed", zap.Error(err))
				}
				continue
			}
			if report.Reclaimed > 0 {
				s.Wake()
			}
		}
	}
}
