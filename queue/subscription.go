package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one delivered push notification. The consumer must settle it
// exactly once: Ack to drop it, Nack to have the broker redeliver it.
type Message interface {
	Data() []byte
	Ack() error
	Nack() error
}

// Handler processes a message and settles it.
type Handler func(Message)

// Subscription is a pull subscription delivering provider push notifications.
type Subscription interface {
	// Receive blocks, invoking the handler for each delivery until ctx is
	// cancelled or the transport fails.
	Receive(ctx context.Context, h Handler) error
	Close() error
}

// AMQPSubscription consumes a durable queue with manual acknowledgement.
type AMQPSubscription struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// Dial connects to the broker and declares the queue (idempotent).
func Dial(url, queueName string) (*AMQPSubscription, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &AMQPSubscription{conn: conn, ch: ch, queue: queueName}, nil
}

func (s *AMQPSubscription) Receive(ctx context.Context, h Handler) error {
	deliveries, err := s.ch.Consume(
		s.queue,
		"",    // consumer tag
		false, // autoAck off: the handler decides ack vs redeliver
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			h(&amqpMessage{d: d})
		}
	}
}

func (s *AMQPSubscription) Close() error {
	if err := s.ch.Close(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

type amqpMessage struct {
	d amqp.Delivery
}

func (m *amqpMessage) Data() []byte { return m.d.Body }
func (m *amqpMessage) Ack() error   { return m.d.Ack(false) }
func (m *amqpMessage) Nack() error  { return m.d.Nack(false, true) }
