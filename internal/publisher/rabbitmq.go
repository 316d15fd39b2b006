package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ageprobe/ageprobe/internal/domain"
)

const (
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 30 * time.Second

	publishTimeout = 5 * time.Second
)

// ErrUnavailable is returned while the publisher has no usable channel.
var ErrUnavailable = errors.New("rabbitmq: channel not available")

// Publisher announces newly claimable jobs to the workers.
type Publisher interface {
	Publish(ctx context.Context, event *domain.WakeEvent) error
	Close() error
}

type rabbitPublisher struct {
	url    string
	logger *zap.Logger

	mu       sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms <-chan amqp.Confirmation

	// publishMu keeps one confirm outstanding at a time.
	publishMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewRabbitMQPublisher connects, declares the wake-up topology and starts a
// reconnect watcher.
func NewRabbitMQPublisher(url string, logger *zap.Logger) (Publisher, error) {
	p := &rabbitPublisher{
		url:    url,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.watchConnection()
	return p, nil
}

func (p *rabbitPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	p.mu.Unlock()

	p.logger.Info("RabbitMQ publisher initialized",
		zap.String("exchange", ExchangeName),
		zap.String("queue", QueueName),
	)
	return nil
}

// watchConnection reconnects with exponential backoff until Close is called.
func (p *rabbitPublisher) watchConnection() {
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()

		var reason *amqp.Error
		select {
		case <-p.done:
			return
		case r, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)):
			if !ok {
				select {
				case <-p.done:
					return
				default:
				}
			}
			reason = r
		}

		p.mu.Lock()
		p.channel = nil
		p.mu.Unlock()
		p.logger.Warn("RabbitMQ connection lost, reconnecting", zap.Any("reason", reason))

		delay := reconnectDelay
		for {
			select {
			case <-p.done:
				return
			case <-time.After(delay):
			}
			if err := p.connect(); err != nil {
				p.logger.Warn("RabbitMQ reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
				delay = min(delay*2, maxReconnectDelay)
				continue
			}
			p.logger.Info("RabbitMQ reconnected")
			break
		}
	}
}

func (p *rabbitPublisher) Publish(ctx context.Context, event *domain.WakeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal wake event: %w", err)
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()
	ch, confirms := p.channel, p.confirms
	p.mu.RUnlock()
	if ch == nil {
		return ErrUnavailable
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	seq := ch.GetNextPublishSeqNo()
	err = ch.PublishWithContext(publishCtx, ExchangeName, RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    event.JobID.String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}

	// Confirms left over from an earlier timed-out publish carry lower tags.
	for {
		select {
		case conf, ok := <-confirms:
			if !ok {
				return fmt.Errorf("rabbitmq: channel closed before confirm (job_id=%s)", event.JobID)
			}
			if conf.DeliveryTag < seq {
				continue
			}
			if !conf.Ack {
				return fmt.Errorf("rabbitmq: broker nacked wake event (job_id=%s)", event.JobID)
			}
			p.logger.Debug("Published wake event", zap.String("job_id", event.JobID.String()))
			return nil
		case <-publishCtx.Done():
			return fmt.Errorf("rabbitmq: publish confirmation timeout (job_id=%s)", event.JobID)
		}
	}
}

func (p *rabbitPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.channel != nil {
			_ = p.channel.Close()
		}
		if p.conn != nil {
			err = p.conn.Close()
		}
	})
	return err
}
