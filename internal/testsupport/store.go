package testsupport

import (
	"database/sql"
	"testing"

	"harvester/internal/config"
	"harvester/internal/storage"
)

// MustOpenDB opens the config's SQLite database for tests and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *sql.DB {
	t.Helper()

	db, err := storage.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("storage.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
