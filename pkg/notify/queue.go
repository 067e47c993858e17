package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

type QueueConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// Queue publishes notifications to a RabbitMQ queue. A connection is
// dialled per message; notifications are rare and a long-lived
// connection would go stale between power events.
type Queue struct {
	Config QueueConfig

	dial func(url string) (*amqp.Connection, error)
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Queue == "" {
		cfg.Queue = "upsmon-notify"
	}
	return &Queue{Config: cfg, dial: amqp.Dial}
}

func (q *Queue) Notify(ctx context.Context, message string) error {
	body, err := encode(message)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := q.dial(q.Config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		q.Config.Queue,
		true,  // durable
		false, // auto delete
		false, // exclusive
		false, // no wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.Config.Queue, err)
	}

	err = ch.Publish("", q.Config.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
