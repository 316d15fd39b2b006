package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage marks a transient persistence failure. The job is left in its
	// current state for the next scheduler tick.
	ErrStorage = errors.New("storage unavailable")

	// ErrNotFound is the parent of every not-found error below.
	ErrNotFound = errors.New("not found")

	// ErrJobNotFound is returned when a job does not exist, or is not in the
	// state a transition requires.
	ErrJobNotFound = fmt.Errorf("job %w", ErrNotFound)

	// ErrResultNotFound is returned when no result is available for a job.
	ErrResultNotFound = fmt.Errorf("result %w", ErrNotFound)

	// ErrBlobNotFound is returned when the blob store has no object for a reference.
	ErrBlobNotFound = fmt.Errorf("blob %w", ErrNotFound)

	// ErrDuplicate is returned when a result already exists for (job, upload date).
	ErrDuplicate = errors.New("duplicate result")

	// ErrAnalyzerUnavailable covers timeouts and transport failures talking to the analyzer.
	ErrAnalyzerUnavailable = errors.New("analyzer unavailable")

	// ErrInvalidAnalyzerResponse is returned when the analyzer answers with a payload
	// that does not match the expected schema.
	ErrInvalidAnalyzerResponse = errors.New("invalid analyzer response")

	// ErrInvalidJobID is returned when a job identifier cannot be parsed.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrUnsupportedFileType is returned for filenames or content outside the allowed image types.
	ErrUnsupportedFileType = errors.New("unsupported file type, allowed: png, jpg, jpeg, gif")

	// ErrEmptyImage is returned when a submission carries no bytes.
	ErrEmptyImage = errors.New("image cannot be empty")

	// ErrPayloadTooLarge is returned when the image exceeds the upload limit.
	ErrPayloadTooLarge = errors.New("image exceeds maximum upload size")

	// ErrInvalidActualAge is returned when a submitted ground-truth age is out of range.
	ErrInvalidActualAge = errors.New("actual age must be between 0 and 150")
)
