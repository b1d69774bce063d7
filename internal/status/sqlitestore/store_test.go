package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"harvester/internal/status"
	"harvester/internal/status/sqlitestore"
	"harvester/internal/status/statustest"
)

func openStore(t *testing.T, opts status.Options) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "status.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	statustest.Run(t, func(t *testing.T, opts status.Options) status.Store {
		return openStore(t, opts)
	})
}

func TestPurgeExpired(t *testing.T) {
	clock := statustest.NewClock()
	store := openStore(t, status.Options{TerminalTTL: time.Minute, Now: clock.Now})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Put(ctx, status.Record{ID: id, Status: status.Queued}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := store.Transition(ctx, "a", status.Killed, "operator"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	purged, err := store.PurgeExpired(ctx)
	if err != nil || purged != 0 {
		t.Fatalf("PurgeExpired before ttl = %d (%v)", purged, err)
	}
	clock.Advance(2 * time.Minute)
	purged, err = store.PurgeExpired(ctx)
	if err != nil || purged != 1 {
		t.Fatalf("PurgeExpired after ttl = %d (%v)", purged, err)
	}
	if count, _ := store.Count(ctx); count != 1 {
		t.Fatalf("Count = %d, want 1", count)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	ctx := context.Background()
	store, err := sqlitestore.Open(ctx, path, status.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put(ctx, status.Record{ID: "persisted", Status: status.Running}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := sqlitestore.Open(ctx, path, status.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	rec, err := reopened.Get(ctx, "persisted")
	if err != nil || rec.Status != status.Running {
		t.Fatalf("Get after reopen = %+v (%v)", rec, err)
	}
}
