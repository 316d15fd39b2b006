package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an image analysis job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusProcessed  JobStatus = "PROCESSED"
	StatusFailed     JobStatus = "FAILED"

	// StatusNotFound is only ever reported by status queries; it is never stored.
	StatusNotFound JobStatus = "NOT_FOUND"
)

// BlobRef is an opaque reference to image bytes held by a BlobStore.
type BlobRef string

// Job tracks one uploaded image through analysis.
type Job struct {
	JobID     uuid.UUID  `json:"job_id"`
	BlobRef   BlobRef    `json:"blob_ref"`
	Filename  string     `json:"filename"`
	ActualAge *int       `json:"actual_age,omitempty"`
	Status    JobStatus  `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the job will not move again on its own:
// processed, or failed with no retry scheduled.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusProcessed:
		return true
	case StatusFailed:
		return j.RetryAt == nil
	}
	return false
}

// Analysis is the validated payload returned by the analyzer.
type Analysis struct {
	Age        float64  `json:"age"`
	Gender     string   `json:"gender,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Result is the durable outcome of a successfully analyzed job.
type Result struct {
	ResultID   uuid.UUID `json:"result_id"`
	JobID      uuid.UUID `json:"job_id"`
	Analysis   Analysis  `json:"analysis"`
	ActualAge  *int      `json:"actual_age,omitempty"`
	UploadedAt time.Time `json:"upload_date"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsCorrect reports whether the predicted age lies within one year of the
// ground truth. ok is false when no ground truth was supplied.
func (r *Result) IsCorrect() (correct, ok bool) {
	if r.ActualAge == nil {
		return false, false
	}
	return math.Abs(r.Analysis.Age-float64(*r.ActualAge)) <= 1, true
}

// AgeSample pairs a prediction with the submitted ground truth.
type AgeSample struct {
	ActualAge    int     `json:"actual_age"`
	PredictedAge float64 `json:"predicted_age"`
}

// SubmitRequest is an image handed to the submission path.
type SubmitRequest struct {
	Filename  string
	Data      []byte
	ActualAge *int
}

// SubmitResponse is returned after a successful submission.
type SubmitResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

// StatusResponse is the polling view of a job.
type StatusResponse struct {
	JobID     uuid.UUID  `json:"job_id"`
	Status    JobStatus  `json:"status"`
	Attempts  int        `json:"attempts,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	Terminal  bool       `json:"terminal"`
}

// ResultResponse is a finished analysis together with the original image.
type ResultResponse struct {
	JobID       uuid.UUID `json:"job_id"`
	Filename    string    `json:"filename"`
	Analysis    Analysis  `json:"analysis"`
	ActualAge   *int      `json:"actual_age,omitempty"`
	IsCorrect   *bool     `json:"is_correct,omitempty"`
	ImageBase64 string    `json:"image_base64,omitempty"`
	UploadedAt  time.Time `json:"upload_date"`
}

// WakeEvent is published when new work becomes claimable.
type WakeEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SweepStats counts what a staleness sweep did with stuck jobs.
type SweepStats struct {
	Reclaimed int64 `json:"reclaimed"`
	Abandoned int64 `json:"abandoned"`
	Recovered int64 `json:"recovered"`
}

// Total is the number of jobs the sweep touched.
func (s SweepStats) Total() int64 {
	return s.Reclaimed + s.Abandoned + s.Recovered
}

// Age bounds accepted from the analyzer.
const (
	MinAge = 0
	MaxAge = 120
)

// Validate rejects analyses that must never be stored as results.
func (a *Analysis) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: empty analysis", ErrInvalidAnalyzerResponse)
	}
	if math.IsNaN(a.Age) || math.IsInf(a.Age, 0) || a.Age < MinAge || a.Age > MaxAge {
		return fmt.Errorf("%w: age %v outside [%d,%d]", ErrInvalidAnalyzerResponse, a.Age, MinAge, MaxAge)
	}
	if c := a.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidAnalyzerResponse, *c)
	}
	return nil
}
