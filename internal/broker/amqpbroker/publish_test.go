package amqpbroker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"harvester/internal/broker"
)

type recordingChannel struct {
	declared  []string
	published []string

	// unconfirmed makes publishes return a confirmation that never arrives.
	unconfirmed bool
}

func (c *recordingChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *recordingChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (c *recordingChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, _ amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	c.published = append(c.published, exchange+"/"+key)
	if c.unconfirmed {
		return &amqp.DeferredConfirmation{}, nil
	}
	return nil, nil
}

func TestDelayedPublishRedeclaresHoldingQueue(t *testing.T) {
	b := &Broker{opts: Options{Exchange: "harvester"}, declared: make(map[string]struct{})}
	ch := &recordingChannel{}
	msg := broker.Message{ID: "job-1", Queue: "harvest_production"}

	for range 3 {
		if err := b.publish(context.Background(), ch, msg, []byte(`{}`), time.Second); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := b.publish(context.Background(), ch, msg, []byte(`{}`), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	holding := 0
	work := 0
	for _, name := range ch.declared {
		switch name {
		case "harvest_production.retry.1s":
			holding++
		case "harvest_production":
			work++
		}
	}
	if holding != 3 {
		t.Fatalf("holding queue declared %d times, want 3 (declared %v)", holding, ch.declared)
	}
	if work != 1 {
		t.Fatalf("work queue declared %d times, want 1", work)
	}
	want := []string{
		"/harvest_production.retry.1s",
		"/harvest_production.retry.1s",
		"/harvest_production.retry.1s",
		"harvester/harvest_production",
	}
	if len(ch.published) != len(want) {
		t.Fatalf("published %v, want %v", ch.published, want)
	}
	for i := range want {
		if ch.published[i] != want[i] {
			t.Fatalf("published %v, want %v", ch.published, want)
		}
	}
}

func TestPublishConfirmationIsPerMessage(t *testing.T) {
	b := &Broker{opts: Options{Exchange: "harvester"}, declared: make(map[string]struct{})}
	ch := &recordingChannel{unconfirmed: true}
	msg := broker.Message{ID: "job-1", Queue: "harvest_production"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.publish(ctx, ch, msg, []byte(`{}`), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// A late confirmation for the abandoned publish must not answer this one.
	ch.unconfirmed = false
	if err := b.publish(context.Background(), ch, broker.Message{ID: "job-2", Queue: "harvest_production"}, []byte(`{}`), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
