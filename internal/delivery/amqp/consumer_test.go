package amqp

import (
	"testing"

	"go.uber.org/zap"
)

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func TestConsumer_HandleWakesOnValidEvent(t *testing.T) {
	w := &countingWaker{}
	c := &Consumer{waker: w, logger: zap.NewNop(), closeCh: make(chan struct{})}

	c.handle([]byte(`{"job_id":"0190b7a4-1c1e-7c3e-9b5a-3d2f1e0a9b8c","created_at":"2024-06-01T12:00:00Z"}`))
	if w.n != 1 {
		t.Errorf("Wake called %d times, want 1", w.n)
	}
}

func TestConsumer_HandleDropsMalformedEvent(t *testing.T) {
	w := &countingWaker{}
	c := &Consumer{waker: w, logger: zap.NewNop(), closeCh: make(chan struct{})}

	c.handle([]byte(`not json`))
	if w.n != 0 {
		t.Errorf("Wake called %d times for malformed body, want 0", w.n)
	}
}

func TestConsumer_CloseIsIdempotent(t *testing.T) {
	c := &Consumer{logger: zap.NewNop(), closeCh: make(chan struct{})}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
