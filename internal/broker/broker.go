// Package broker moves units of work between the dispatcher and workers.
//
// Delivery is at least once: a consumer that crashes between receiving a
// message and acknowledging it will see the message again. Delayed publishes
// implement retry backoff without holding a worker. Memory serves single
// process deployments and tests; amqpbroker speaks RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broker closed")

// Message is the unit of work as it travels through a queue.
type Message struct {
	ID          string          `json:"id"`
	OwningClass string          `json:"owning_class"`
	Queue       string          `json:"queue"`
	Args        json.RawMessage `json:"args,omitempty"`
	// Attempt is the 1-based execution this delivery represents.
	Attempt     int       `json:"attempt"`
	PublishedAt time.Time `json:"published_at"`
}

// Delivery is a received message awaiting acknowledgement.
type Delivery interface {
	Message() Message
	// Ack removes the message from the queue.
	Ack() error
	// Nack returns the message to the queue when requeue is true, otherwise
	// drops it.
	Nack(requeue bool) error
}

// Publisher sends messages to msg.Queue, optionally after delay.
type Publisher interface {
	Publish(ctx context.Context, msg Message, delay time.Duration) error
}

// Consumer receives messages from a queue until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

// Broker is both ends of the transport.
type Broker interface {
	Publisher
	Consumer
	Close() error
}
