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

var _ repository.ResultRepository = (*ResultStore)(nil)

type resultKey struct {
	jobID      uuid.UUID
	uploadedAt int64
}

// ResultStore is a mutex-guarded ResultRepository with the (job, upload date)
// uniqueness constraint.
type ResultStore struct {
	mu      sync.Mutex
	results map[resultKey]*domain.Result
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[resultKey]*domain.Result)}
}

func (s *ResultStore) has(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.results {
		if k.jobID == jobID {
			return true
		}
	}
	return false
}

// Count returns the number of stored results.
func (s *ResultStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *ResultStore) Insert(_ context.Context, result *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resultKey{jobID: result.JobID, uploadedAt: result.UploadedAt.UnixMicro()}
	if _, ok := s.results[key]; ok {
		return fmt.Errorf("memory: insert result for job %s: %w", result.JobID, domain.ErrDuplicate)
	}
	result.ResultID = uuid.New()
	result.CreatedAt = time.Now().UTC()
	c := *result
	s.results[key] = &c
	return nil
}

func (s *ResultStore) GetByJobID(_ context.Context, jobID uuid.UUID) (*domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Result
	for k, r := range s.results {
		if k.jobID == jobID && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("memory: get result for job %s: %w", jobID, domain.ErrResultNotFound)
	}
	c := *latest
	return &c, nil
}

func (s *ResultStore) DeleteByJobID(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.results {
		if k.jobID == jobID {
			delete(s.results, k)
		}
	}
	return nil
}

func (s *ResultStore) ListAgeSamples(_ context.Context, limit int) ([]domain.AgeSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	withAge := make([]*domain.Result, 0, len(s.results))
	for _, r := range s.results {
		if r.ActualAge != nil {
			withAge = append(withAge, r)
		}
	}
	sort.Slice(withAge, func(a, b int) bool { return withAge[a].CreatedAt.After(withAge[b].CreatedAt) })
	if limit > 0 && len(withAge) > limit {
		withAge = withAge[:limit]
	}
	samples := make([]domain.AgeSample, 0, len(withAge))
	for _, r := range withAge {
		samples = append(samples, domain.AgeSample{ActualAge: *r.ActualAge, PredictedAge: r.Analysis.Age})
	}
	return samples, nil
}
