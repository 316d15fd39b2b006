package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	mockrepo "github.com/ageprobe/ageprobe/internal/repository/mock"
)

// processed runs one job through a successful dispatch.
func (f *fixture) processed(t *testing.T, predicted float64, actualAge *int) *domain.Job {
	t.Helper()
	f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		return &domain.Analysis{Age: predicted, Gender: "Woman"}, nil
	}
	created := f.enqueue(t, actualAge)
	if err := f.dispatcher(defaultPolicy).Dispatch(context.Background(), f.claim(t)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return created
}

func TestGetStatus(t *testing.T) {
	f := newFixture()
	uc := NewGetStatusUsecase(f.jobs, zap.NewNop())
	ctx := context.Background()

	pending := f.enqueue(t, nil)
	resp, err := uc.Execute(ctx, pending.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != domain.StatusPending || resp.Terminal {
		t.Errorf("expected non-terminal PENDING, got %s terminal=%v", resp.Status, resp.Terminal)
	}

	retryAt := time.Now().Add(time.Minute)
	pending.Status, pending.Attempts, pending.LastError, pending.RetryAt = domain.StatusFailed, 1, "analyzer unavailable", &retryAt
	f.jobs.Seed(pending)
	resp, err = uc.Execute(ctx, pending.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != domain.StatusFailed || resp.Terminal || resp.RetryAt == nil {
		t.Errorf("expected FAILED awaiting retry, got %+v", resp)
	}
	if resp.LastError != "analyzer unavailable" || resp.Attempts != 1 {
		t.Errorf("expected last error and attempts reported, got %+v", resp)
	}

	unknown := uuid.New()
	resp, err = uc.Execute(ctx, unknown)
	if err != nil {
		t.Fatalf("unknown jobs are not an error, got %v", err)
	}
	if resp.Status != domain.StatusNotFound || !resp.Terminal || resp.JobID != unknown {
		t.Errorf("expected terminal NOT_FOUND for %s, got %+v", unknown, resp)
	}
}

func TestGetStatus_StorageError(t *testing.T) {
	f := newFixture()
	jobs := &mockrepo.JobRepository{
		JobRepository: f.jobs,
		GetByIDFn: func(_ context.Context, _ uuid.UUID) (*domain.Job, error) {
			return nil, fmt.Errorf("postgres: %w", domain.ErrStorage)
		},
	}
	_, err := NewGetStatusUsecase(jobs, zap.NewNop()).Execute(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

func TestGetStatus_DoesNotDeleteTerminalJobs(t *testing.T) {
	f := newFixture()
	job := f.processed(t, 30, nil)
	uc := NewGetStatusUsecase(f.jobs, zap.NewNop())

	for i := 0; i < 3; i++ {
		resp, err := uc.Execute(context.Background(), job.JobID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status != domain.StatusProcessed || !resp.Terminal {
			t.Fatalf("poll %d: expected terminal PROCESSED, got %+v", i, resp)
		}
	}
	if f.results.Count() != 1 || f.blobs.Len() != 1 {
		t.Errorf("status reads must not remove data, got %d results and %d blobs", f.results.Count(), f.blobs.Len())
	}
}

func TestGetResult(t *testing.T) {
	f := newFixture()
	job := f.processed(t, 29.5, intPtr(30))
	uc := NewGetResultUsecase(f.jobs, f.results, f.blobs, zap.NewNop())

	resp, err := uc.Execute(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Analysis.Age != 29.5 || resp.Filename != "face.png" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.IsCorrect == nil || !*resp.IsCorrect {
		t.Errorf("expected is_correct=true for 29.5 vs 30, got %v", resp.IsCorrect)
	}
	img, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
	if err != nil {
		t.Fatalf("image is not base64: %v", err)
	}
	if len(img) != 512 {
		t.Errorf("expected 512 image bytes, got %d", len(img))
	}
}

func TestGetResult_IsCorrect(t *testing.T) {
	tests := []struct {
		name      string
		predicted float64
		actual    *int
		want      *bool
	}{
		{"within a year", 41, intPtr(40), boolPtr(true)},
		{"too far", 45, intPtr(40), boolPtr(false)},
		{"no ground truth", 45, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			job := f.processed(t, tt.predicted, tt.actual)
			resp, err := NewGetResultUsecase(f.jobs, f.results, f.blobs, zap.NewNop()).Execute(context.Background(), job.JobID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.want == nil && resp.IsCorrect != nil:
				t.Errorf("expected no is_correct, got %v", *resp.IsCorrect)
			case tt.want != nil && (resp.IsCorrect == nil || *resp.IsCorrect != *tt.want):
				t.Errorf("expected is_correct=%v, got %v", *tt.want, resp.IsCorrect)
			}
		})
	}
}

func TestGetResult_NotReady(t *testing.T) {
	f := newFixture()
	uc := NewGetResultUsecase(f.jobs, f.results, f.blobs, zap.NewNop())
	pending := f.enqueue(t, nil)

	if _, err := uc.Execute(context.Background(), pending.JobID); !errors.Is(err, domain.ErrResultNotFound) {
		t.Errorf("pending job: expected ErrResultNotFound, got %v", err)
	}
	if _, err := uc.Execute(context.Background(), uuid.New()); !errors.Is(err, domain.ErrResultNotFound) {
		t.Errorf("unknown job: expected ErrResultNotFound, got %v", err)
	}
}

func TestGetResult_MissingBlob(t *testing.T) {
	f := newFixture()
	job := f.processed(t, 30, nil)
	if err := f.blobs.Delete(context.Background(), job.BlobRef); err != nil {
		t.Fatalf("delete blob: %v", err)
	}

	resp, err := NewGetResultUsecase(f.jobs, f.results, f.blobs, zap.NewNop()).Execute(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ImageBase64 != "" {
		t.Error("expected empty image when the blob is gone")
	}
}

func TestAgeComparison(t *testing.T) {
	f := newFixture()
	f.processed(t, 25, intPtr(27))
	f.processed(t, 60, nil)
	f.processed(t, 33, intPtr(33))

	uc := NewAgeComparisonUsecase(f.results)
	samples, err := uc.Execute(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples with ground truth, got %d", len(samples))
	}

	samples, err = uc.Execute(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 1 {
		t.Errorf("expected limit to apply, got %d", len(samples))
	}
}

func boolPtr(v bool) *bool { return &v }
