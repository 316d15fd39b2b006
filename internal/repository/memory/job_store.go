// Package memory provides in-process implementations of the repository
// contracts. They keep the same atomicity guarantees as the durable stores and
// back the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

var _ repository.JobRepository = (*JobStore)(nil)

const abandonedReason = "abandoned: processing exceeded the staleness window"

// JobStore is a mutex-guarded JobRepository.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*domain.Job
	results *ResultStore
	now     func() time.Time
}

// NewJobStore creates an empty store. results may be nil; when set, stale
// reclaims recover jobs that already have a result, as the durable store does.
func NewJobStore(results *ResultStore) *JobStore {
	return &JobStore{
		jobs:    make(map[uuid.UUID]*domain.Job),
		results: results,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *JobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Seed stores a copy of job as-is, bypassing transition rules.
func (s *JobStore) Seed(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = clone(job)
}

// All returns copies of every job.
func (s *JobStore) All() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, clone(j))
	}
	return out
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (s *JobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("memory: create job %s: %w", job.JobID, domain.ErrDuplicate)
	}
	ts := s.now()
	job.Status = domain.StatusPending
	job.Attempts = 0
	job.CreatedAt = ts
	job.UpdatedAt = ts
	s.jobs[job.JobID] = clone(job)
	return nil
}

func (s *JobStore) ClaimNextPending(_ context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.StatusPending {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	ts := s.now()
	next.Status = domain.StatusProcessing
	next.Attempts++
	next.ClaimedAt = &ts
	next.RetryAt = nil
	next.UpdatedAt = ts
	return clone(next), nil
}

// processing returns the job only if it is PROCESSING under the given attempt.
func (s *JobStore) processing(id uuid.UUID, attempt int) (*domain.Job, bool) {
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusProcessing || j.Attempts != attempt {
		return nil, false
	}
	return j, true
}

func (s *JobStore) MarkProcessed(_ context.Context, id uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.processing(id, attempt)
	if !ok {
		return fmt.Errorf("memory: mark processed %s (attempt %d): %w", id, attempt, domain.ErrJobNotFound)
	}
	j.Status = domain.StatusProcessed
	j.LastError = ""
	j.RetryAt = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *JobStore) MarkFailed(_ context.Context, id uuid.UUID, attempt int, reason string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.processing(id, attempt)
	if !ok {
		return fmt.Errorf("memory: mark failed %s (attempt %d): %w", id, attempt, domain.ErrJobNotFound)
	}
	j.Status = domain.StatusFailed
	j.LastError = reason
	if retryAt != nil {
		t := *retryAt
		j.RetryAt = &t
	} else {
		j.RetryAt = nil
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *JobStore) RequeueDue(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == domain.StatusFailed && j.RetryAt != nil && !j.RetryAt.After(at) {
			j.Status = domain.StatusPending
			j.RetryAt = nil
			j.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *JobStore) ReclaimStale(_ context.Context, olderThan time.Time, maxAttempts int) (domain.SweepStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.SweepStats
	ts := s.now()
	for _, j := range s.jobs {
		if j.Status != domain.StatusProcessing || j.ClaimedAt == nil || !j.ClaimedAt.Before(olderThan) {
			continue
		}
		switch {
		case s.results != nil && s.results.has(j.JobID):
			j.Status = domain.StatusProcessed
			j.LastError = ""
			stats.Recovered++
		case j.Attempts >= maxAttempts:
			j.Status = domain.StatusFailed
			j.LastError = abandonedReason
			stats.Abandoned++
		default:
			j.Status = domain.StatusPending
			stats.Reclaimed++
		}
		j.ClaimedAt = nil
		j.RetryAt = nil
		j.UpdatedAt = ts
	}
	return stats, nil
}

func (s *JobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("memory: get job %s: %w", id, domain.ErrJobNotFound)
	}
	return clone(j), nil
}

func (s *JobStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.IsTerminal() && j.UpdatedAt.Before(before) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("memory: delete job %s: %w", id, domain.ErrJobNotFound)
	}
	delete(s.jobs, id)
	return nil
}
