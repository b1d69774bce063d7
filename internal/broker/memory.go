package broker

import (
	"context"
	"sync"
	"time"
)

const memoryQueueBuffer = 1024

// Memory is an in-process broker. Queues are buffered channels shared by all
// consumers of the same name, so consumers compete for messages.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan Message
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

var _ Broker = (*Memory)(nil)

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]chan Message),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(name string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Message, memoryQueueBuffer)
		m.queues[name] = q
	}
	return q, nil
}

// Publish enqueues msg immediately or after delay.
func (m *Memory) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	q, err := m.queue(msg.Queue)
	if err != nil {
		return err
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	if delay <= 0 {
		select {
		case q <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		m.mu.Unlock()
		select {
		case q <- msg:
		case <-m.done:
		}
	})
	m.timers[timer] = struct{}{}
	return nil
}

// Consume streams deliveries from queue until ctx ends or the broker closes.
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	q, err := m.queue(queue)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case msg := <-q:
				d := &memoryDelivery{msg: msg, queue: q, done: m.done}
				select {
				case out <- d:
				case <-ctx.Done():
					d.requeue()
					return
				case <-m.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Pending reports how many messages wait in queue, excluding delayed ones.
func (m *Memory) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q)
	}
	return 0
}

// Scheduled reports how many delayed publishes have not fired yet.
func (m *Memory) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close stops delayed publishes and ends every consumer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for timer := range m.timers {
		timer.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	close(m.done)
	return nil
}

type memoryDelivery struct {
	msg   Message
	queue chan Message
	done  <-chan struct{}
	once  sync.Once
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Ack() error { return nil }

func (d *memoryDelivery) Nack(requeue bool) error {
	if requeue {
		d.requeue()
	}
	return nil
}

func (d *memoryDelivery) requeue() {
	d.once.Do(func() {
		go func() {
			select {
			case d.queue <- d.msg:
			case <-d.done:
			}
		}()
	})
}
