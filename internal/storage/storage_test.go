package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"

	"harvester/internal/storage"
)

func TestMigrateIsIdempotentPerComponent(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fsys := fstest.MapFS{
		"migrations/0001_widgets.sql": {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);")},
		"migrations/0002_index.sql":   {Data: []byte("CREATE INDEX idx_widgets_name ON widgets(name);")},
		"migrations/README":           {Data: []byte("ignored")},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := storage.Migrate(ctx, db, "widgets", fsys, "migrations"); err != nil {
			t.Fatalf("Migrate run %d: %v", i, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version LIKE 'widgets/%'").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("recorded %d migrations, want 2", count)
	}

	other := fstest.MapFS{
		"sql/0001_gadgets.sql": {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
	}
	if err := storage.Migrate(ctx, db, "gadgets", other, "sql"); err != nil {
		t.Fatalf("Migrate gadgets: %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO gadgets (id) VALUES (1)"); err != nil {
		t.Fatalf("insert gadget: %v", err)
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked")
	calls := 0
	err := storage.RetryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("RetryOnBusy = %v after %d calls", err, calls)
	}

	calls = 0
	permanent := errors.New("no such table")
	if err := storage.RetryOnBusy(context.Background(), func() error {
		calls++
		return permanent
	}); !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single attempt for non-busy error, got %v after %d calls", err, calls)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := storage.Placeholders(3); got != "?,?,?" {
		t.Fatalf("Placeholders(3) = %q", got)
	}
	if got := storage.Placeholders(0); got != "" {
		t.Fatalf("Placeholders(0) = %q", got)
	}
}
