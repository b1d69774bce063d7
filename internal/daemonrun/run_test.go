package daemonrun

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"harvester/internal/api"
	"harvester/internal/config"
	"harvester/internal/logging"
	"harvester/internal/status"
	"harvester/internal/storage"
	"harvester/internal/testsupport"
)

func TestOpenStatusStoreBackends(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := []struct {
		backend string
		setup   func(*config.Config)
	}{
		{backend: config.StatusBackendMemory},
		{backend: config.StatusBackendSQLite},
		{backend: config.StatusBackendRedis, setup: func(c *config.Config) { c.Status.RedisAddr = mr.Addr() }},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, testsupport.WithStatusBackend(tc.backend))
			if tc.setup != nil {
				tc.setup(cfg)
			}
			db := testsupport.MustOpenDB(t, cfg)
			store, err := OpenStatusStore(ctx, cfg, db)
			if err != nil {
				t.Fatalf("OpenStatusStore: %v", err)
			}
			created, err := store.Create(ctx, status.Record{ID: "job-1", Status: status.Queued})
			if err != nil || !created {
				t.Fatalf("Create = %v, %v", created, err)
			}
			if _, err := store.PurgeExpired(ctx); err != nil {
				t.Fatalf("PurgeExpired: %v", err)
			}
		})
	}
}

func TestOpenStatusStoreRejectsUnknownBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStatusBackend("etcd"))
	if _, err := OpenStatusStore(context.Background(), cfg, nil); err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}

func TestOpenBrokerRequiresAMQPURL(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Broker.Backend = config.BrokerBackendAMQP
	if _, err := OpenBroker(cfg); err == nil {
		t.Fatal("expected error without amqp url")
	}
}

func TestBuildWiresWorkingDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStatusBackend(config.StatusBackendSQLite))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Build(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()
	if err := rt.Daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	testsupport.WriteFile(t, filepath.Join(cfg.Paths.StorageDir, "h-9", "notes.txt"), 64)
	client := api.NewClient(rt.Daemon.Addr(), "")
	if _, err := client.PostWebhook(ctx, []byte(`{"action":"upload","virtual_path":"/harvests/h-9/notes.txt"}`)); err != nil {
		t.Fatalf("PostWebhook: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := client.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Harvest.States["completed"] == 1 {
			if st.StatusBackend != config.StatusBackendSQLite {
				t.Fatalf("status backend = %q", st.StatusBackend)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("harvest item not completed: %+v", st.Harvest)
		}
		time.Sleep(20 * time.Millisecond)
	}
	rt.Daemon.Stop()

	db, err := storage.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM harvest_items WHERE state = 'completed'").Scan(&count); err != nil {
		t.Fatalf("query items: %v", err)
	}
	if count != 1 {
		t.Fatalf("completed items in database = %d, want 1", count)
	}
}
