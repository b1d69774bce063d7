package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"harvester/internal/status"
)

func TestClearKeepsRecordRecreatedAfterScan(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := New(client, "hv", status.Options{})
	ctx := context.Background()

	for _, id := range []string{"reused", "done"} {
		if err := store.Put(ctx, status.Record{ID: id, Status: status.Queued}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := store.Transition(ctx, id, status.Running, "started"); err != nil {
			t.Fatalf("Transition running: %v", err)
		}
		if _, err := store.Transition(ctx, id, status.Completed, "done"); err != nil {
			t.Fatalf("Transition completed: %v", err)
		}
	}

	store.beforeClear = func(id string) {
		if id != "reused" {
			return
		}
		created, err := store.Create(ctx, status.Record{ID: "reused", Status: status.Queued})
		if err != nil || !created {
			t.Errorf("Create = %v, %v", created, err)
		}
	}

	removed, err := store.Clear(ctx, status.Filter{Statuses: []status.Status{status.Completed}})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	rec, err := store.Get(ctx, "reused")
	if err != nil {
		t.Fatalf("recreated record was cleared: %v", err)
	}
	if rec.Status != status.Queued {
		t.Fatalf("status = %s, want queued", rec.Status)
	}
	if _, err := store.Get(ctx, "done"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected completed record cleared, got %v", err)
	}
	if n, err := store.Count(ctx); err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
}
