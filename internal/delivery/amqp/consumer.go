package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/publisher"
)

const (
	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
	prefetch           = 32
)

var (
	errDeliveriesClosed = errors.New("delivery channel closed")
	errConsumerClosed   = errors.New("consumer closed")
)

// Waker is told that new work may be claimable.
type Waker interface {
	Wake()
}

// Consumer turns wake-up messages into Waker calls. Messages are only hints,
// so they are auto-acknowledged and malformed ones are dropped.
type Consumer struct {
	url    string
	waker  Waker
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqplib.Connection
	channel *amqplib.Channel
	closed  bool
	closeCh chan struct{}
}

// NewConsumer connects to RabbitMQ and declares the wake-up topology.
func NewConsumer(url string, waker Waker, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		url:     url,
		waker:   waker,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqplib.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	if err := publisher.DeclareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch.Close()
		conn.Close()
		return errConsumerClosed
	}
	if err := c.releaseLocked(); err != nil {
		c.logger.Debug("Closing previous AMQP connection failed", zap.Error(err))
	}
	c.conn = conn
	c.channel = ch
	return nil
}

// releaseLocked closes and forgets the current channel and connection.
// Handles the broker already closed are skipped. c.mu must be held.
func (c *Consumer) releaseLocked() error {
	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqplib.ErrClosed) {
			firstErr = err
		}
		c.channel = nil
	}
	if c.conn != nil {
		if !c.conn.IsClosed() {
			if err := c.conn.Close(); err != nil && !errors.Is(err, amqplib.ErrClosed) && firstErr == nil {
				firstErr = err
			}
		}
		c.conn = nil
	}
	return firstErr
}

// Start consumes until ctx is cancelled or Close is called, reconnecting with
// exponential backoff when the broker goes away.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if err == nil || c.stopping(ctx) {
			return nil
		}
		c.logger.Warn("AMQP consumer lost connection, reconnecting", zap.Error(err))

		delay := baseReconnectDelay
		for {
			select {
			case <-c.closeCh:
				return nil
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			if err := c.connect(); err != nil {
				c.logger.Error("Reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
				delay = min(delay*2, maxReconnectDelay)
				continue
			}
			c.logger.Info("Reconnected to RabbitMQ")
			break
		}
	}
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-c.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return errors.New("channel is nil")
	}

	deliveries, err := ch.Consume(publisher.QueueName, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	c.logger.Info("AMQP wake-up consumer started", zap.String("queue", publisher.QueueName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(d.Body)
		}
	}
}

func (c *Consumer) handle(body []byte) {
	var event domain.WakeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("Dropping malformed wake event", zap.Error(err), zap.Int("body_size", len(body)))
		return
	}
	c.logger.Debug("Wake event received", zap.String("job_id", event.JobID.String()))
	c.waker.Wake()
}

// Close stops the consumer and closes its connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	return c.releaseLocked()
}
