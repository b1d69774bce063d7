package broker_test

import (
	"context"
	"testing"
	"time"

	"harvester/internal/broker"
)

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func TestMemoryPublishConsume(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx, "harvest_test")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Publish(ctx, broker.Message{ID: "job-1", Queue: "harvest_test", Attempt: 1}, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d := receive(t, deliveries)
	if d.Message().ID != "job-1" || d.Message().PublishedAt.IsZero() {
		t.Fatalf("unexpected message %+v", d.Message())
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestMemoryDelayedPublish(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	if err := b.Publish(ctx, broker.Message{ID: "later", Queue: "q"}, 50*time.Millisecond); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if b.Scheduled() != 1 || b.Pending("q") != 0 {
		t.Fatalf("scheduled=%d pending=%d", b.Scheduled(), b.Pending("q"))
	}
	deliveries, err := b.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	start := time.Now()
	d := receive(t, deliveries)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("delivery arrived after %v, expected delay", elapsed)
	}
	if d.Message().ID != "later" {
		t.Fatalf("unexpected message %+v", d.Message())
	}
}

func TestMemoryNackRequeues(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Publish(ctx, broker.Message{ID: "again", Queue: "q"}, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first := receive(t, deliveries)
	if err := first.Nack(true); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	second := receive(t, deliveries)
	if second.Message().ID != "again" {
		t.Fatalf("unexpected redelivery %+v", second.Message())
	}
}

func TestMemoryClose(t *testing.T) {
	b := broker.NewMemory()
	deliveries, err := b.Consume(context.Background(), "q")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Publish(context.Background(), broker.Message{ID: "x", Queue: "q"}, time.Hour); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case _, ok := <-deliveries:
		if ok {
			t.Fatal("expected closed delivery channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	if b.Scheduled() != 0 {
		t.Fatalf("timers survived close: %d", b.Scheduled())
	}
	if err := b.Publish(context.Background(), broker.Message{ID: "y", Queue: "q"}, 0); err == nil {
		t.Fatal("expected ErrClosed")
	}
}
