package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

var _ repository.BlobStore = (*BlobStore)(nil)

// BlobStore keeps blobs in a map keyed by random references.
type BlobStore struct {
	mu    sync.Mutex
	blobs map[domain.BlobRef][]byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[domain.BlobRef][]byte)}
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *BlobStore) Put(_ context.Context, _ string, data []byte) (domain.BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := domain.BlobRef(uuid.NewString())
	s.blobs[ref] = bytes.Clone(data)
	return ref, nil
}

func (s *BlobStore) Get(_ context.Context, ref domain.BlobRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("memory: get blob %s: %w", ref, domain.ErrBlobNotFound)
	}
	return bytes.Clone(data), nil
}

func (s *BlobStore) Delete(_ context.Context, ref domain.BlobRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		return fmt.Errorf("memory: delete blob %s: %w", ref, domain.ErrBlobNotFound)
	}
	delete(s.blobs, ref)
	return nil
}
