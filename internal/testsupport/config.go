package testsupport

import (
	"path/filepath"
	"testing"

	"harvester/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It runs in the test environment with in-memory status and broker backends
// unless options say otherwise.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StorageDir = filepath.Join(base, "files")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Dispatch.Environment = config.EnvironmentTest
	cfgVal.Dispatch.BackoffInitialMS = 1
	cfgVal.Dispatch.BackoffMaxMS = 10
	cfgVal.Status.Backend = config.StatusBackendMemory
	cfgVal.Broker.Backend = config.BrokerBackendMemory
	cfgVal.Worker.KillPollIntervalSeconds = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithEnvironment sets the deployment environment.
func WithEnvironment(env string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dispatch.Environment = env
	}
}

// WithStatusBackend selects the status backend.
func WithStatusBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Status.Backend = backend
	}
}

// WithMaxAttempts sets the retry bound.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dispatch.MaxAttempts = n
	}
}

// WithNtfyTopic points notifications at topic.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
