package mock

import (
	"context"
	"sync"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/publisher"
)

// Ensure MockPublisher implements publisher.Publisher.
var _ publisher.Publisher = (*MockPublisher)(nil)

// MockPublisher records wake events for assertions.
type MockPublisher struct {
	mu        sync.Mutex
	Published []*domain.WakeEvent
	PublishFn func(ctx context.Context, event *domain.WakeEvent) error
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, event *domain.WakeEvent) error {
	if m.PublishFn != nil {
		return m.PublishFn(ctx, event)
	}
	m.mu.Lock()
	m.Published = append(m.Published, event)
	m.mu.Unlock()
	return nil
}

// Count returns the number of recorded events.
func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published)
}

func (m *MockPublisher) Close() error {
	return nil
}
