package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"harvester/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("HARVESTER_ENV", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "harvester")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.HarvestRoot != "/harvests" {
		t.Fatalf("unexpected harvest root: %q", cfg.Paths.HarvestRoot)
	}
	if cfg.Dispatch.Environment != config.EnvironmentDevelopment {
		t.Fatalf("expected development environment, got %q", cfg.Dispatch.Environment)
	}
	if cfg.Status.Backend != config.StatusBackendSQLite {
		t.Fatalf("expected sqlite status backend, got %q", cfg.Status.Backend)
	}
	if cfg.TerminalTTL() != 7*24*time.Hour {
		t.Fatalf("unexpected terminal ttl: %s", cfg.TerminalTTL())
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "harvester.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
}

func TestLoadCustomConfig(t *testing.T) {
	t.Setenv("HARVESTER_ENV", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.HarvestRoot = "uploads/"
	cfg.Dispatch.Environment = " PROD "
	cfg.Dispatch.MonitoredQueues = []string{"harvest", " harvest ", "", "analysis"}
	cfg.Status.Backend = "Redis"
	cfg.Logging.Format = "JSON"

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected custom path to be used, got %q (exists=%v)", resolved, exists)
	}
	if loaded.Paths.HarvestRoot != "/uploads" {
		t.Fatalf("expected harvest root cleaned, got %q", loaded.Paths.HarvestRoot)
	}
	if !loaded.IsProduction() {
		t.Fatalf("expected production environment, got %q", loaded.Dispatch.Environment)
	}
	if got := strings.Join(loaded.Dispatch.MonitoredQueues, ","); got != "harvest,analysis" {
		t.Fatalf("expected deduplicated queues, got %q", got)
	}
	if loaded.Status.Backend != config.StatusBackendRedis {
		t.Fatalf("expected redis backend, got %q", loaded.Status.Backend)
	}
	if loaded.Logging.Format != "json" {
		t.Fatalf("expected json log format, got %q", loaded.Logging.Format)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("HARVESTER_ENV", "test")
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected missing config file")
	}
	if cfg.Dispatch.Environment != config.EnvironmentTest {
		t.Fatalf("expected env override, got %q", cfg.Dispatch.Environment)
	}
	if got := cfg.QueueName("harvest"); got != "harvest_test" {
		t.Fatalf("unexpected queue name %q", got)
	}
}

func TestQueueNames(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.Environment = config.EnvironmentProduction
	cfg.Dispatch.MonitoredQueues = []string{"harvest", "analysis"}

	monitored := cfg.MonitoredQueueNames()
	if strings.Join(monitored, ",") != "harvest_production,analysis_production" {
		t.Fatalf("unexpected monitored names %v", monitored)
	}
	if strings.Join(cfg.WorkerQueueNames(), ",") != strings.Join(monitored, ",") {
		t.Fatalf("expected worker queues to default to monitored set")
	}
	cfg.Worker.Queues = []string{"analysis"}
	if got := cfg.WorkerQueueNames(); len(got) != 1 || got[0] != "analysis_production" {
		t.Fatalf("unexpected worker queues %v", got)
	}
	if got := config.QueueName("harvest", ""); got != "harvest" {
		t.Fatalf("expected bare name without environment, got %q", got)
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"environment", func(c *config.Config) { c.Dispatch.Environment = "staging" }, "dispatch.environment"},
		{"queues", func(c *config.Config) { c.Dispatch.MonitoredQueues = nil }, "dispatch.monitored_queues"},
		{"attempts", func(c *config.Config) { c.Dispatch.MaxAttempts = 0 }, "dispatch.max_attempts"},
		{"backoff order", func(c *config.Config) { c.Dispatch.BackoffMaxMS = 1 }, "dispatch.backoff_max_ms"},
		{"status backend", func(c *config.Config) { c.Status.Backend = "etcd" }, "status.backend"},
		{"postgres dsn", func(c *config.Config) { c.Status.Backend = config.StatusBackendPostgres }, "status.postgres_dsn"},
		{"ttl", func(c *config.Config) { c.Status.TerminalTTLSeconds = 0 }, "status.terminal_ttl_seconds"},
		{"amqp url", func(c *config.Config) { c.Broker.Backend = config.BrokerBackendAMQP }, "broker.amqp_url"},
		{"concurrency", func(c *config.Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"rule pattern", func(c *config.Config) {
			c.Classifier.Rules = []config.ClassifierRule{{Name: "bad", Pattern: "(", Kind: "transient"}}
		}, "classifier.rules[0].pattern"},
		{"rule kind", func(c *config.Config) {
			c.Classifier.Rules = []config.ClassifierRule{{Name: "bad", Pattern: "x", Kind: "maybe"}}
		}, "classifier.rules[0].kind"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleProducesLoadableConfig(t *testing.T) {
	t.Setenv("HARVESTER_ENV", "")
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample config to load, exists=%v err=%v", exists, err)
	}
}
