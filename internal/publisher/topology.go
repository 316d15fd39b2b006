package publisher

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Wake-up topology shared by the server (publisher) and the worker (consumer).
// Messages are hints: they expire quickly and the oldest are dropped on
// overflow, since the job table stays the source of truth.
const (
	ExchangeName = "ageprobe.direct"
	ExchangeType = "direct"
	RoutingKey   = "jobs.pending"
	QueueName    = "image_jobs_ready"

	wakeTTLMillis = 60_000
	wakeMaxLength = 10_000
)

// DeclareTopology idempotently declares the exchange and queue and binds them.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}
	args := amqp.Table{
		"x-message-ttl": int32(wakeTTLMillis),
		"x-max-length":  int32(wakeMaxLength),
		"x-overflow":    "drop-head",
	}
	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	if err := ch.QueueBind(QueueName, RoutingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind queue: %w", err)
	}
	return nil
}
