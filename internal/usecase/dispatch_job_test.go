package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	mockrepo "github.com/ageprobe/ageprobe/internal/repository/mock"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: 30 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture()
	f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		return &domain.Analysis{Age: 31, Gender: "Man", Confidence: float64Ptr(0.97)}, nil
	}
	created := f.enqueue(t, intPtr(30))
	job := f.claim(t)

	if err := f.dispatcher(defaultPolicy).Dispatch(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.job(t, job)
	if got.Status != domain.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got.Status)
	}
	result, err := f.results.GetByJobID(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("expected stored result: %v", err)
	}
	if result.Analysis.Age != 31 || result.Analysis.Gender != "Man" {
		t.Errorf("unexpected analysis: %+v", result.Analysis)
	}
	if result.ActualAge == nil || *result.ActualAge != 30 {
		t.Errorf("expected actual age 30 carried onto the result, got %v", result.ActualAge)
	}
	if !result.UploadedAt.Equal(created.CreatedAt) {
		t.Errorf("expected upload date %v, got %v", created.CreatedAt, result.UploadedAt)
	}
	if f.analyzer.Calls() != 1 {
		t.Errorf("expected 1 analyzer call, got %d", f.analyzer.Calls())
	}
}

func TestDispatch_AnalyzerUnavailableSchedulesRetry(t *testing.T) {
	f := newFixture()
	f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrAnalyzerUnavailable)
	}
	f.enqueue(t, nil)
	job := f.claim(t)

	uc := f.dispatcher(defaultPolicy)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return now }

	if err := uc.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("analyzer failures must not be returned, got %v", err)
	}

	got := f.job(t, job)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.RetryAt == nil || !got.RetryAt.Equal(now.Add(2*time.Second)) {
		t.Errorf("expected retry at now+2s, got %v", got.RetryAt)
	}
	if got.IsTerminal() {
		t.Error("job with a scheduled retry must not be terminal")
	}
	if got.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if f.results.Count() != 0 {
		t.Errorf("expected no result, got %d", f.results.Count())
	}
}

func TestDispatch_RetriesExactlyMaxAttempts(t *testing.T) {
	f := newFixture()
	f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		return nil, fmt.Errorf("%w: timeout", domain.ErrAnalyzerUnavailable)
	}
	f.enqueue(t, nil)

	uc := f.dispatcher(defaultPolicy)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		job, err := f.jobs.ClaimNextPending(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil {
			// Promote every scheduled retry regardless of backoff.
			n, err := f.jobs.RequeueDue(ctx, time.Now().Add(time.Hour))
			if err != nil {
				t.Fatalf("requeue: %v", err)
			}
			if n == 0 {
				break
			}
			continue
		}
		if err := uc.Dispatch(ctx, job); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	if f.analyzer.Calls() != defaultPolicy.MaxAttempts {
		t.Errorf("expected %d analyzer calls, got %d", defaultPolicy.MaxAttempts, f.analyzer.Calls())
	}
	jobs := f.jobs.All()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != domain.StatusFailed || !jobs[0].IsTerminal() {
		t.Errorf("expected terminal FAILED, got %s (retry_at=%v)", jobs[0].Status, jobs[0].RetryAt)
	}
	if jobs[0].Attempts != defaultPolicy.MaxAttempts {
		t.Errorf("expected attempts %d, got %d", defaultPolicy.MaxAttempts, jobs[0].Attempts)
	}
	if _, err := f.results.GetByJobID(ctx, jobs[0].JobID); !errors.Is(err, domain.ErrResultNotFound) {
		t.Errorf("expected ErrResultNotFound, got %v", err)
	}
}

func TestDispatch_InvalidAnalysisIsNeverStored(t *testing.T) {
	tests := []struct {
		name     string
		analysis *domain.Analysis
		err      error
	}{
		{"age above range", &domain.Analysis{Age: 200}, nil},
		{"negative age", &domain.Analysis{Age: -3}, nil},
		{"confidence above one", &domain.Analysis{Age: 40, Confidence: float64Ptr(1.5)}, nil},
		{"nil analysis", nil, nil},
		{"contract mismatch", nil, fmt.Errorf("%w: missing age", domain.ErrInvalidAnalyzerResponse)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
				return tt.analysis, tt.err
			}
			f.enqueue(t, nil)
			job := f.claim(t)

			if err := f.dispatcher(defaultPolicy).Dispatch(context.Background(), job); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.job(t, job); got.Status != domain.StatusFailed {
				t.Errorf("expected FAILED, got %s", got.Status)
			}
			if f.results.Count() != 0 {
				t.Errorf("expected no stored result, got %d", f.results.Count())
			}
		})
	}
}

func TestDispatch_MissingBlobFailsTerminally(t *testing.T) {
	f := newFixture()
	created := f.enqueue(t, nil)
	if err := f.blobs.Delete(context.Background(), created.BlobRef); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	job := f.claim(t)

	if err := f.dispatcher(defaultPolicy).Dispatch(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.job(t, job)
	if got.Status != domain.StatusFailed || !got.IsTerminal() {
		t.Errorf("expected terminal FAILED on first attempt, got %s (retry_at=%v)", got.Status, got.RetryAt)
	}
	if f.analyzer.Calls() != 0 {
		t.Errorf("analyzer must not be called without an image, got %d calls", f.analyzer.Calls())
	}
}

func TestDispatch_BlobStorageErrorLeavesJobProcessing(t *testing.T) {
	f := newFixture()
	f.enqueue(t, nil)
	job := f.claim(t)

	blobs := &mockrepo.BlobStore{
		BlobStore: f.blobs,
		GetFn: func(_ context.Context, _ domain.BlobRef) ([]byte, error) {
			return nil, fmt.Errorf("gridfs: %w", domain.ErrStorage)
		},
	}
	uc := NewDispatchJobUsecase(f.jobs, f.results, blobs, f.analyzer, defaultPolicy, zap.NewNop())

	err := uc.Dispatch(context.Background(), job)
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if got := f.job(t, job); got.Status != domain.StatusProcessing {
		t.Errorf("expected job left PROCESSING, got %s", got.Status)
	}
}

func TestDispatch_ExistingResultCompletesWithoutAnalyzer(t *testing.T) {
	f := newFixture()
	created := f.enqueue(t, nil)
	job := f.claim(t)

	err := f.results.Insert(context.Background(), &domain.Result{
		JobID:      job.JobID,
		Analysis:   domain.Analysis{Age: 50},
		UploadedAt: created.CreatedAt,
	})
	if err != nil {
		t.Fatalf("insert result: %v", err)
	}

	if err := f.dispatcher(defaultPolicy).Dispatch(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.job(t, job); got.Status != domain.StatusProcessed {
		t.Errorf("expected PROCESSED, got %s", got.Status)
	}
	if f.analyzer.Calls() != 0 {
		t.Errorf("expected no analyzer call, got %d", f.analyzer.Calls())
	}
	if f.results.Count() != 1 {
		t.Errorf("expected exactly 1 result, got %d", f.results.Count())
	}
}

func TestDispatch_LostClaimToTerminalFailureRemovesResult(t *testing.T) {
	f := newFixture()
	f.enqueue(t, nil)
	job := f.claim(t)

	// The sweep abandons the job while the analyzer is still working.
	f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		swept := *job
		swept.Status = domain.StatusFailed
		swept.LastError = "abandoned"
		swept.ClaimedAt = nil
		f.jobs.Seed(&swept)
		return &domain.Analysis{Age: 22}, nil
	}

	if err := f.dispatcher(defaultPolicy).Dispatch(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.job(t, job); got.Status != domain.StatusFailed {
		t.Errorf("expected job to stay FAILED, got %s", got.Status)
	}
	if f.results.Count() != 0 {
		t.Errorf("a failed job must not keep a result, got %d", f.results.Count())
	}
}

func TestDispatch_LostClaimToRetryKeepsResult(t *testing.T) {
	f := newFixture()
	f.enqueue(t, nil)
	job := f.claim(t)

	// The sweep hands the job back to PENDING; the next claim will recover it.
	f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		swept := *job
		swept.Status = domain.StatusPending
		swept.ClaimedAt = nil
		f.jobs.Seed(&swept)
		return &domain.Analysis{Age: 22}, nil
	}

	uc := f.dispatcher(defaultPolicy)
	if err := uc.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.results.Count() != 1 {
		t.Fatalf("expected result kept for recovery, got %d", f.results.Count())
	}

	next := f.claim(t)
	if err := uc.Dispatch(context.Background(), next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.job(t, job); got.Status != domain.StatusProcessed {
		t.Errorf("expected PROCESSED after recovery, got %s", got.Status)
	}
	if f.analyzer.Calls() != 1 {
		t.Errorf("expected the analyzer to run once, got %d", f.analyzer.Calls())
	}
}

func TestDispatch_CancelledContextStillRecordsOutcome(t *testing.T) {
	f := newFixture()
	f.enqueue(t, nil)
	job := f.claim(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.analyzer.AnalyzeFn = func(ctx context.Context, _ string, _ []byte) (*domain.Analysis, error) {
		cancel()
		return nil, fmt.Errorf("%w: %w", domain.ErrAnalyzerUnavailable, ctx.Err())
	}

	if err := f.dispatcher(defaultPolicy).Dispatch(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.job(t, job); got.Status != domain.StatusFailed {
		t.Errorf("expected FAILED recorded after cancellation, got %s", got.Status)
	}
}

func TestDispatch_MarkProcessedStorageError(t *testing.T) {
	f := newFixture()
	f.enqueue(t, nil)
	job := f.claim(t)

	jobs := &mockrepo.JobRepository{
		JobRepository: f.jobs,
		MarkProcessedFn: func(_ context.Context, _ uuid.UUID, _ int) error {
			return fmt.Errorf("postgres: %w", domain.ErrStorage)
		},
	}
	uc := NewDispatchJobUsecase(jobs, f.results, f.blobs, f.analyzer, defaultPolicy, zap.NewNop())

	if err := uc.Dispatch(context.Background(), job); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	// The result is durable; the sweep will recover the job.
	if f.results.Count() != 1 {
		t.Errorf("expected stored result, got %d", f.results.Count())
	}
	if got := f.job(t, job); got.Status != domain.StatusProcessing {
		t.Errorf("expected PROCESSING, got %s", got.Status)
	}
}

// lateResult stores a result for job the way a swept earlier attempt would,
// after this attempt has already checked for one.
func (f *fixture) lateResult(t *testing.T, job *domain.Job) {
	t.Helper()
	if err := f.results.Insert(context.Background(), &domain.Result{
		JobID:      job.JobID,
		Analysis:   domain.Analysis{Age: 31},
		UploadedAt: job.CreatedAt,
	}); err != nil {
		t.Fatalf("insert late result: %v", err)
	}
}

func TestDispatch_TerminalFailureRemovesLateResult(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		missingBlob bool
		wantResults int
	}{
		{"analyzer fails on the final attempt", 1, false, 0},
		{"image blob missing", 3, true, 0},
		{"retryable failure keeps it for recovery", 3, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.enqueue(t, nil)
			job := f.claim(t)

			blobs := &mockrepo.BlobStore{BlobStore: f.blobs}
			if tt.missingBlob {
				blobs.GetFn = func(_ context.Context, _ domain.BlobRef) ([]byte, error) {
					f.lateResult(t, job)
					return nil, fmt.Errorf("gridfs: %w", domain.ErrBlobNotFound)
				}
			}
			f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
				f.lateResult(t, job)
				return nil, fmt.Errorf("%w: connection refused", domain.ErrAnalyzerUnavailable)
			}
			policy := defaultPolicy
			policy.MaxAttempts = tt.maxAttempts
			uc := NewDispatchJobUsecase(f.jobs, f.results, blobs, f.analyzer, policy, zap.NewNop())

			if err := uc.Dispatch(context.Background(), job); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := f.job(t, job)
			if got.Status != domain.StatusFailed {
				t.Fatalf("expected FAILED, got %s", got.Status)
			}
			if n := f.results.Count(); n != tt.wantResults {
				t.Errorf("terminal=%v: expected %d results, got %d", got.IsTerminal(), tt.wantResults, n)
			}
		})
	}
}

func TestDispatch_OutcomeWritesFollowCycleDeadline(t *testing.T) {
	const budget = 2 * time.Second
	expired := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name        string
		deadline    *time.Time
		wantExpired bool
	}{
		{"cycle deadline long past", &expired, true},
		{"cycle deadline ahead", &future, false},
		{"no cycle deadline", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.enqueue(t, nil)
			job := f.claim(t)
			f.analyzer.AnalyzeFn = func(_ context.Context, _ string, _ []byte) (*domain.Analysis, error) {
				return nil, domain.ErrAnalyzerUnavailable
			}

			var (
				gotDeadline time.Time
				hasDeadline bool
				gotErr      error
			)
			jobs := &mockrepo.JobRepository{
				JobRepository: f.jobs,
				MarkFailedFn: func(ctx context.Context, id uuid.UUID, attempt int, reason string, retryAt *time.Time) error {
					gotDeadline, hasDeadline = ctx.Deadline()
					gotErr = ctx.Err()
					return f.jobs.MarkFailed(context.Background(), id, attempt, reason, retryAt)
				},
			}
			policy := defaultPolicy
			policy.PersistTimeout = budget
			uc := NewDispatchJobUsecase(jobs, f.results, f.blobs, f.analyzer, policy, zap.NewNop())

			ctx := context.Background()
			if tt.deadline != nil {
				var cancel context.CancelFunc
				ctx, cancel = context.WithDeadline(ctx, *tt.deadline)
				defer cancel()
			}
			start := time.Now()
			if err := uc.Dispatch(ctx, job); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !hasDeadline {
				t.Fatal("outcome writes must carry a deadline")
			}
			if gotDeadline.After(time.Now().Add(budget)) {
				t.Errorf("outcome deadline %s exceeds the persist budget", gotDeadline)
			}
			if tt.deadline != nil && gotDeadline.After(tt.deadline.Add(budget)) {
				t.Errorf("outcome deadline %s runs past cycle deadline + %s", gotDeadline, budget)
			}
			if tt.wantExpired != (gotErr != nil) {
				t.Errorf("expected expired=%v, got ctx error %v", tt.wantExpired, gotErr)
			}
			if !tt.wantExpired && gotDeadline.Before(start.Add(budget)) {
				t.Errorf("expected the full persist budget, got deadline %s", gotDeadline)
			}
		})
	}
}
