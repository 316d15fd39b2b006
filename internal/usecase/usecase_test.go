package usecase

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository/memory"
	mockrepo "github.com/ageprobe/ageprobe/internal/repository/mock"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// pngBytes returns n bytes that sniff as image/png.
func pngBytes(n int) []byte {
	if n < len(pngSignature) {
		n = len(pngSignature)
	}
	b := make([]byte, 0, n)
	b = append(b, pngSignature...)
	b = append(b, "\x00\x00\x00\x0dIHDR"...)
	if len(b) < n {
		b = append(b, bytes.Repeat([]byte{0x01}, n-len(b))...)
	}
	return b[:n]
}

func intPtr(v int) *int { return &v }

func float64Ptr(v float64) *float64 { return &v }

type fixture struct {
	jobs     *memory.JobStore
	results  *memory.ResultStore
	blobs    *memory.BlobStore
	analyzer *mockrepo.Analyzer
}

func newFixture() *fixture {
	results := memory.NewResultStore()
	return &fixture{
		jobs:     memory.NewJobStore(results),
		results:  results,
		blobs:    memory.NewBlobStore(),
		analyzer: &mockrepo.Analyzer{},
	}
}

// enqueue stores an image and creates its PENDING job.
func (f *fixture) enqueue(t *testing.T, actualAge *int) *domain.Job {
	t.Helper()
	ctx := context.Background()
	ref, err := f.blobs.Put(ctx, "face.png", pngBytes(512))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	job := &domain.Job{
		JobID:     uuid.New(),
		BlobRef:   ref,
		Filename:  "face.png",
		ActualAge: actualAge,
	}
	if err := f.jobs.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *fixture) claim(t *testing.T) *domain.Job {
	t.Helper()
	job, err := f.jobs.ClaimNextPending(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("expected a pending job to claim")
	}
	return job
}

func (f *fixture) dispatcher(policy RetryPolicy) *DispatchJobUsecase {
	return NewDispatchJobUsecase(f.jobs, f.results, f.blobs, f.analyzer, policy, zap.NewNop())
}

func (f *fixture) job(t *testing.T, job *domain.Job) *domain.Job {
	t.Helper()
	got, err := f.jobs.GetByID(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return got
}

var defaultPolicy = RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: 30 * time.Second}
