package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	mockpub "github.com/ageprobe/ageprobe/internal/publisher/mock"
	mockrepo "github.com/ageprobe/ageprobe/internal/repository/mock"
)

const testMaxBytes = 4096

func TestSubmitImage_Success(t *testing.T) {
	f := newFixture()
	pub := mockpub.NewMockPublisher()
	uc := NewSubmitImageUsecase(f.jobs, f.blobs, pub, testMaxBytes, zap.NewNop())

	resp, err := uc.Execute(context.Background(), &domain.SubmitRequest{
		Filename:  "../../uploads/portrait.PNG",
		Data:      pngBytes(1024),
		ActualAge: intPtr(34),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != domain.StatusPending {
		t.Errorf("expected status PENDING, got %s", resp.Status)
	}

	job := f.job(t, &domain.Job{JobID: resp.JobID})
	if job.Status != domain.StatusPending || job.Attempts != 0 {
		t.Errorf("expected fresh PENDING job, got %s with %d attempts", job.Status, job.Attempts)
	}
	if job.Filename != "portrait.PNG" {
		t.Errorf("expected sanitized filename portrait.PNG, got %q", job.Filename)
	}
	if job.ActualAge == nil || *job.ActualAge != 34 {
		t.Errorf("expected actual age 34, got %v", job.ActualAge)
	}
	data, err := f.blobs.Get(context.Background(), job.BlobRef)
	if err != nil {
		t.Fatalf("expected stored blob: %v", err)
	}
	if len(data) != 1024 {
		t.Errorf("expected 1024 stored bytes, got %d", len(data))
	}
	if pub.Count() != 1 || pub.Published[0].JobID != resp.JobID {
		t.Errorf("expected one wake event for %s, got %d", resp.JobID, pub.Count())
	}
}

func TestSubmitImage_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  domain.SubmitRequest
		want error
	}{
		{"unsupported extension", domain.SubmitRequest{Filename: "face.bmp", Data: pngBytes(64)}, domain.ErrUnsupportedFileType},
		{"no extension", domain.SubmitRequest{Filename: "face", Data: pngBytes(64)}, domain.ErrUnsupportedFileType},
		{"empty filename", domain.SubmitRequest{Filename: "", Data: pngBytes(64)}, domain.ErrUnsupportedFileType},
		{"empty image", domain.SubmitRequest{Filename: "face.png"}, domain.ErrEmptyImage},
		{"too large", domain.SubmitRequest{Filename: "face.png", Data: pngBytes(testMaxBytes + 1)}, domain.ErrPayloadTooLarge},
		{"not an image", domain.SubmitRequest{Filename: "face.png", Data: []byte("#!/bin/sh\necho hi\n")}, domain.ErrUnsupportedFileType},
		{"negative age", domain.SubmitRequest{Filename: "face.png", Data: pngBytes(64), ActualAge: intPtr(-1)}, domain.ErrInvalidActualAge},
		{"age too high", domain.SubmitRequest{Filename: "face.png", Data: pngBytes(64), ActualAge: intPtr(151)}, domain.ErrInvalidActualAge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			pub := mockpub.NewMockPublisher()
			uc := NewSubmitImageUsecase(f.jobs, f.blobs, pub, testMaxBytes, zap.NewNop())

			_, err := uc.Execute(context.Background(), &tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if f.blobs.Len() != 0 || len(f.jobs.All()) != 0 {
				t.Error("rejected submissions must not store anything")
			}
			if pub.Count() != 0 {
				t.Error("rejected submissions must not publish")
			}
		})
	}
}

func TestSubmitImage_BoundaryAgesAccepted(t *testing.T) {
	for _, age := range []int{0, 150} {
		f := newFixture()
		uc := NewSubmitImageUsecase(f.jobs, f.blobs, nil, testMaxBytes, zap.NewNop())
		if _, err := uc.Execute(context.Background(), &domain.SubmitRequest{
			Filename:  "face.png",
			Data:      pngBytes(64),
			ActualAge: intPtr(age),
		}); err != nil {
			t.Errorf("age %d: unexpected error: %v", age, err)
		}
	}
}

func TestSubmitImage_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	pub := mockpub.NewMockPublisher()
	pub.PublishFn = func(_ context.Context, _ *domain.WakeEvent) error {
		return errors.New("broker unreachable")
	}
	uc := NewSubmitImageUsecase(f.jobs, f.blobs, pub, testMaxBytes, zap.NewNop())

	resp, err := uc.Execute(context.Background(), &domain.SubmitRequest{Filename: "face.gif", Data: []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.job(t, &domain.Job{JobID: resp.JobID}); got.Status != domain.StatusPending {
		t.Errorf("expected PENDING job, got %s", got.Status)
	}
}

func TestSubmitImage_CreateFailureRemovesBlob(t *testing.T) {
	f := newFixture()
	jobs := &mockrepo.JobRepository{
		JobRepository: f.jobs,
		CreateFn: func(_ context.Context, _ *domain.Job) error {
			return fmt.Errorf("postgres: %w", domain.ErrStorage)
		},
	}
	pub := mockpub.NewMockPublisher()
	uc := NewSubmitImageUsecase(jobs, f.blobs, pub, testMaxBytes, zap.NewNop())

	_, err := uc.Execute(context.Background(), &domain.SubmitRequest{Filename: "face.png", Data: pngBytes(64)})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if f.blobs.Len() != 0 {
		t.Errorf("expected orphaned blob removed, got %d", f.blobs.Len())
	}
	if pub.Count() != 0 {
		t.Error("no wake event expected for a job that was never created")
	}
}

func TestSubmitImage_BlobFailure(t *testing.T) {
	f := newFixture()
	blobs := &mockrepo.BlobStore{
		BlobStore: f.blobs,
		PutFn: func(_ context.Context, _ string, _ []byte) (domain.BlobRef, error) {
			return "", fmt.Errorf("gridfs: %w", domain.ErrStorage)
		},
	}
	uc := NewSubmitImageUsecase(f.jobs, blobs, nil, testMaxBytes, zap.NewNop())

	if _, err := uc.Execute(context.Background(), &domain.SubmitRequest{Filename: "face.png", Data: pngBytes(64)}); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if len(f.jobs.All()) != 0 {
		t.Error("no job expected without a stored image")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo.png", "photo.png"},
		{"a/b/c.jpg", "c.jpg"},
		{`C:\Users\me\y.gif`, "y.gif"},
		{"my photo!.png", "my_photo_.png"},
		{"../../etc/passwd", "passwd"},
		{"...", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
