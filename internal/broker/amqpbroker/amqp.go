// Package amqpbroker implements broker.Broker on RabbitMQ.
//
// Every job queue is a durable queue bound to a topic exchange under its own
// name. Delayed publishes go to a per-delay holding queue
// "<queue>.retry.<seconds>s" whose message TTL dead-letters back into the
// exchange with the original routing key. Holding queues expire when idle,
// so every delayed publish redeclares its holding queue to renew the lease.
// Publishes wait for broker confirms.
package amqpbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"harvester/internal/broker"
)

const (
	confirmTimeout  = 30 * time.Second
	holdingIdleTime = time.Minute
)

// Options configures the broker.
type Options struct {
	URL      string
	Exchange string
	Prefetch int
}

// Broker publishes and consumes job messages over AMQP.
type Broker struct {
	opts Options

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]struct{}
	closed   bool
}

// publishChannel is the part of *amqp.Channel used for publishing.
type publishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

var _ broker.Broker = (*Broker)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(opts Options) (*Broker, error) {
	if opts.URL == "" {
		return nil, errors.New("amqp: url is empty")
	}
	if opts.Exchange == "" {
		opts.Exchange = "harvester"
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	b := &Broker{opts: opts, conn: conn, declared: make(map[string]struct{})}
	if err := b.openPublisher(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) openPublisher() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp: enable confirms: %w", err)
	}
	b.pubCh = ch
	b.declared = make(map[string]struct{})
	return nil
}

// ensurePublisher reopens the publishing channel after a channel-level error.
func (b *Broker) ensurePublisher() error {
	if b.closed {
		return broker.ErrClosed
	}
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return nil
	}
	if b.conn.IsClosed() {
		return errors.New("amqp: connection is closed")
	}
	return b.openPublisher()
}

func (b *Broker) declareQueue(ch publishChannel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, b.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind queue %s: %w", queue, err)
	}
	return nil
}

// HoldingQueue names the queue that parks messages for delay before they
// return to queue. Delays round up to whole seconds.
func HoldingQueue(queue string, delay time.Duration) (string, time.Duration) {
	seconds := int64(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%s.retry.%ds", queue, seconds), time.Duration(seconds) * time.Second
}

// declareHolding declares the holding queue for delay. It is not cached:
// publishing does not renew x-expires, only a redeclare does.
func (b *Broker) declareHolding(ch publishChannel, queue string, delay time.Duration) (string, error) {
	name, rounded := HoldingQueue(queue, delay)
	args := amqp.Table{
		"x-message-ttl":             rounded.Milliseconds(),
		"x-dead-letter-exchange":    b.opts.Exchange,
		"x-dead-letter-routing-key": queue,
		"x-expires":                 (rounded + holdingIdleTime).Milliseconds(),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("amqp: declare holding queue %s: %w", name, err)
	}
	return name, nil
}

// Publish sends msg to its queue, or to a holding queue when delay > 0, and
// waits for the broker to confirm it.
func (b *Broker) Publish(ctx context.Context, msg broker.Message, delay time.Duration) error {
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("amqp: encode message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensurePublisher(); err != nil {
		return err
	}
	return b.publish(ctx, b.pubCh, msg, body, delay)
}

func (b *Broker) publish(ctx context.Context, ch publishChannel, msg broker.Message, body []byte, delay time.Duration) error {
	if _, ok := b.declared[msg.Queue]; !ok {
		if err := b.declareQueue(ch, msg.Queue); err != nil {
			return err
		}
		b.declared[msg.Queue] = struct{}{}
	}

	exchange, routingKey := b.opts.Exchange, msg.Queue
	if delay > 0 {
		holding, err := b.declareHolding(ch, msg.Queue, delay)
		if err != nil {
			return err
		}
		exchange, routingKey = "", holding
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.PublishedAt,
		Type:         msg.OwningClass,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish %s: %w", msg.ID, err)
	}
	if confirm == nil {
		// Channel not in confirm mode.
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("amqp: confirmation for %s timed out", msg.ID)
	case err != nil:
		return err
	case !acked:
		return fmt.Errorf("amqp: broker rejected %s", msg.ID)
	}
	return nil
}

// Consume opens a dedicated channel with the configured prefetch and streams
// deliveries until ctx ends.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	ch, err := b.conn.Channel()
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: declare exchange: %w", err)
	}
	if err := b.declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: consume %s: %w", queue, err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				delivery, err := decode(d)
				if err != nil {
					// Undecodable payloads can never succeed.
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the connection and every channel on it.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("amqp: close connection: %w", err)
	}
	return nil
}

type delivery struct {
	msg broker.Message
	raw amqp.Delivery
}

func decode(d amqp.Delivery) (*delivery, error) {
	var msg broker.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, err
	}
	return &delivery{msg: msg, raw: d}, nil
}

func (d *delivery) Message() broker.Message { return d.msg }

func (d *delivery) Ack() error { return d.raw.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.raw.Nack(false, requeue) }
