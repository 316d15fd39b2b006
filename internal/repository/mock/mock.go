package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

// ---- Analyzer mock ----

var _ repository.Analyzer = (*Analyzer)(nil)

// Analyzer is a test double for repository.Analyzer.
type Analyzer struct {
	mu sync.Mutex

	AnalyzeFn func(ctx context.Context, filename string, data []byte) (*domain.Analysis, error)

	AnalyzeCalls []string
}

func (m *Analyzer) Analyze(ctx context.Context, filename string, data []byte) (*domain.Analysis, error) {
	m.mu.Lock()
	m.AnalyzeCalls = append(m.AnalyzeCalls, filename)
	m.mu.Unlock()
	if m.AnalyzeFn != nil {
		return m.AnalyzeFn(ctx, filename, data)
	}
	return &domain.Analysis{Age: 29, Gender: "Woman"}, nil // default: valid analysis
}

// Calls returns the number of Analyze calls so far.
func (m *Analyzer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AnalyzeCalls)
}

// ---- LeaseStore mock ----

var _ repository.LeaseStore = (*LeaseStore)(nil)

// LeaseStore is a test double for repository.LeaseStore.
type LeaseStore struct {
	mu sync.Mutex

	AcquireLeaseFn func(ctx context.Context, name string, ttl time.Duration) (bool, error)

	AcquireCalls []string
	ReleaseCalls []string
}

func (m *LeaseStore) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	m.AcquireCalls = append(m.AcquireCalls, name)
	m.mu.Unlock()
	if m.AcquireLeaseFn != nil {
		return m.AcquireLeaseFn(ctx, name, ttl)
	}
	return true, nil // default: lease acquired
}

func (m *LeaseStore) ReleaseLease(_ context.Context, name string) error {
	m.mu.Lock()
	m.ReleaseCalls = append(m.ReleaseCalls, name)
	m.mu.Unlock()
	return nil
}

// ---- JobRepository mock ----

var _ repository.JobRepository = (*JobRepository)(nil)

// JobRepository wraps a real repository and lets tests override single
// operations to inject failures.
type JobRepository struct {
	repository.JobRepository

	CreateFn        func(ctx context.Context, job *domain.Job) error
	MarkProcessedFn func(ctx context.Context, id uuid.UUID, attempt int) error
	MarkFailedFn    func(ctx context.Context, id uuid.UUID, attempt int, reason string, retryAt *time.Time) error
	GetByIDFn       func(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

func (m *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, job)
	}
	return m.JobRepository.Create(ctx, job)
}

func (m *JobRepository) MarkProcessed(ctx context.Context, id uuid.UUID, attempt int) error {
	if m.MarkProcessedFn != nil {
		return m.MarkProcessedFn(ctx, id, attempt)
	}
	return m.JobRepository.MarkProcessed(ctx, id, attempt)
}

func (m *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, reason string, retryAt *time.Time) error {
	if m.MarkFailedFn != nil {
		return m.MarkFailedFn(ctx, id, attempt, reason, retryAt)
	}
	return m.JobRepository.MarkFailed(ctx, id, attempt, reason, retryAt)
}

func (m *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return m.JobRepository.GetByID(ctx, id)
}

// ---- BlobStore mock ----

var _ repository.BlobStore = (*BlobStore)(nil)

// BlobStore wraps a real blob store with per-operation overrides.
type BlobStore struct {
	repository.BlobStore

	PutFn func(ctx context.Context, filename string, data []byte) (domain.BlobRef, error)
	GetFn func(ctx context.Context, ref domain.BlobRef) ([]byte, error)
}

func (m *BlobStore) Put(ctx context.Context, filename string, data []byte) (domain.BlobRef, error) {
	if m.PutFn != nil {
		return m.PutFn(ctx, filename, data)
	}
	return m.BlobStore.Put(ctx, filename, data)
}

func (m *BlobStore) Get(ctx context.Context, ref domain.BlobRef) ([]byte, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, ref)
	}
	return m.BlobStore.Get(ctx, ref)
}
