package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"harvester/internal/status"
	"harvester/internal/status/redisstore"
	"harvester/internal/status/statustest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreContract(t *testing.T) {
	statustest.Run(t, func(t *testing.T, opts status.Options) status.Store {
		_, client := newClient(t)
		return redisstore.New(client, "test", opts)
	})
}

func TestTerminalRecordsGetNativeTTL(t *testing.T) {
	mr, client := newClient(t)
	store := redisstore.New(client, "hv", status.Options{TerminalTTL: 10 * time.Minute})
	ctx := context.Background()

	if err := store.Put(ctx, status.Record{ID: "job", Status: status.Queued}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl := mr.TTL("hv:job:job"); ttl != 0 {
		t.Fatalf("queued record has ttl %v", ttl)
	}
	if _, err := store.Transition(ctx, "job", status.Running, ""); err != nil {
		t.Fatalf("Transition running: %v", err)
	}
	if ttl := mr.TTL("hv:job:job"); ttl != 0 {
		t.Fatalf("running record has ttl %v", ttl)
	}
	if _, err := store.Transition(ctx, "job", status.Completed, "done"); err != nil {
		t.Fatalf("Transition completed: %v", err)
	}
	if ttl := mr.TTL("hv:job:job"); ttl != 10*time.Minute {
		t.Fatalf("completed record ttl = %v, want 10m", ttl)
	}

	mr.FastForward(11 * time.Minute)
	list, err := store.List(ctx, status.Range{})
	if err != nil || len(list) != 0 {
		t.Fatalf("List after native expiry = %+v (%v)", list, err)
	}
}

func TestDialPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := redisstore.Dial(context.Background(), mr.Addr(), "", 0, "", status.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := redisstore.Dial(context.Background(), "", "", 0, "", status.Options{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}
