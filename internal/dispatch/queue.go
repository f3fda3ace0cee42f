package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/dubbing-pipeline/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher enqueues tasks.
type Publisher interface {
	Publish(ctx context.Context, task Task) error
}

// Delivery is one received message awaiting acknowledgement.
type Delivery interface {
	Body() []byte
	// Redelivered reports whether the broker has handed this message out before.
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// Source feeds deliveries to the worker pool.
type Source interface {
	Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// RabbitPublisher publishes persistent task messages.
type RabbitPublisher struct {
	client *rabbitmq.Client
}

// NewRabbitPublisher creates a publisher on an established client.
func NewRabbitPublisher(client *rabbitmq.Client) *RabbitPublisher {
	return &RabbitPublisher{client: client}
}

func (p *RabbitPublisher) Publish(ctx context.Context, task Task) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return p.client.PublishWithRetry(ctx, body, "application/json")
}

// RabbitSource consumes task messages with manual acknowledgement.
type RabbitSource struct {
	client        *rabbitmq.Client
	prefetchCount int
	logger        *slog.Logger
}

// NewRabbitSource creates a source. prefetchCount is applied as channel QoS.
func NewRabbitSource(client *rabbitmq.Client, prefetchCount int, logger *slog.Logger) *RabbitSource {
	return &RabbitSource{client: client, prefetchCount: prefetchCount, logger: logger}
}

func (s *RabbitSource) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	deliveries, err := s.client.Consume(consumerTag, s.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					s.logger.Warn("RabbitMQ delivery channel closed")
					return
				}
				select {
				case out <- amqpDelivery{d}:
				case <-ctx.Done():
					// Hand the message back so another consumer can take it.
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte            { return a.d.Body }
func (a amqpDelivery) Redelivered() bool       { return a.d.Redelivered }
func (a amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

var errMemoryQueueClosed = errors.New("memory queue closed")

// MemoryQueue is an in-process Publisher and Source used when the API hosts
// the worker pool itself, and in tests. Messages do not survive a restart.
type MemoryQueue struct {
	messages  chan *memoryDelivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a queue holding up to capacity undelivered messages.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{
		messages: make(chan *memoryDelivery, capacity),
		done:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, task Task) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues an already encoded body.
func (q *MemoryQueue) PublishRaw(ctx context.Context, body []byte) error {
	return q.push(ctx, &memoryDelivery{queue: q, body: body})
}

func (q *MemoryQueue) push(ctx context.Context, d *memoryDelivery) error {
	select {
	case <-q.done:
		return errMemoryQueueClosed
	default:
	}
	select {
	case q.messages <- d:
		return nil
	case <-q.done:
		return errMemoryQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, _ string) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case d := <-q.messages:
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops accepting messages and ends consumers. Undelivered messages
// are dropped.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

type memoryDelivery struct {
	queue       *MemoryQueue
	body        []byte
	redelivered bool
}

func (d *memoryDelivery) Body() []byte      { return d.body }
func (d *memoryDelivery) Redelivered() bool { return d.redelivered }
func (d *memoryDelivery) Ack() error        { return nil }

func (d *memoryDelivery) Nack(requeue bool) error {
	if !requeue {
		return nil
	}
	// A requeue from a consumer goroutine must not block on a full buffer.
	go func() {
		_ = d.queue.push(context.Background(), &memoryDelivery{queue: d.queue, body: d.body, redelivered: true})
	}()
	return nil
}
