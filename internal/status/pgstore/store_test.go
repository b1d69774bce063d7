package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"harvester/internal/status"
	"harvester/internal/status/pgstore"
	"harvester/internal/status/statustest"
)

var tableSeq atomic.Int64

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("HARVESTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HARVESTER_TEST_POSTGRES_DSN not set")
	}
	statustest.Run(t, func(t *testing.T, opts status.Options) status.Store {
		table := fmt.Sprintf("status_records_test_%d_%d", os.Getpid(), tableSeq.Add(1))
		store, err := pgstore.Connect(context.Background(), dsn, opts, pgstore.WithTable(table))
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return store
	})
}

func TestRejectsInvalidTableName(t *testing.T) {
	if _, err := pgstore.New(context.Background(), nil, status.Options{}, pgstore.WithTable("jobs; DROP TABLE x")); err == nil {
		t.Fatal("expected invalid table name error")
	}
}
