package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	HarvestRoot string `toml:"harvest_root"`
	StorageDir  string `toml:"storage_dir"`
	ArchiveDir  string `toml:"archive_dir"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Dispatch contains job dispatch policy.
type Dispatch struct {
	Environment      string   `toml:"environment"`
	MonitoredQueues  []string `toml:"monitored_queues"`
	MaxAttempts      int      `toml:"max_attempts"`
	BackoffInitialMS int      `toml:"backoff_initial_ms"`
	BackoffMaxMS     int      `toml:"backoff_max_ms"`
	SyncExecution    bool     `toml:"sync_execution"`
}

// Status selects and configures the job status backend.
type Status struct {
	Backend              string `toml:"backend"`
	TerminalTTLSeconds   int    `toml:"terminal_ttl_seconds"`
	PurgeIntervalSeconds int    `toml:"purge_interval_seconds"`
	RedisAddr            string `toml:"redis_addr"`
	RedisPassword        string `toml:"redis_password"`
	RedisDB              int    `toml:"redis_db"`
	RedisPrefix          string `toml:"redis_prefix"`
	PostgresDSN          string `toml:"postgres_dsn"`
}

// Broker selects the queue transport.
type Broker struct {
	Backend  string `toml:"backend"`
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
	Prefetch int    `toml:"prefetch"`
}

// Worker contains worker pool settings.
type Worker struct {
	Concurrency             int      `toml:"concurrency"`
	Queues                  []string `toml:"queues"`
	KillPollIntervalSeconds int      `toml:"kill_poll_interval_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic       string `toml:"ntfy_topic"`
	RequestTimeout  int    `toml:"request_timeout"`
	RatePerMinute   int    `toml:"rate_per_minute"`
	BreakerFailures int    `toml:"breaker_failures"`
}

// ClassifierRule is a user supplied error classification rule. Rules from the
// config file are evaluated before the built-in defaults.
type ClassifierRule struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
	Kind    string `toml:"kind"`
}

// Classifier contains error classification settings.
type Classifier struct {
	Rules []ClassifierRule `toml:"rules"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for harvester.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories, harvest root and API bind address
//   - Dispatch: environment, monitored queues and retry policy
//   - Status: job status backend and terminal record expiry
//   - Broker: queue transport
//   - Worker: worker pool sizing and kill polling
//   - Notifications: ntfy failure notifications
//   - Classifier: extra error classification rules
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Dispatch      Dispatch      `toml:"dispatch"`
	Status        Status        `toml:"status"`
	Broker        Broker        `toml:"broker"`
	Worker        Worker        `toml:"worker"`
	Notifications Notifications `toml:"notifications"`
	Classifier    Classifier    `toml:"classifier"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/harvester/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("harvester.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.StorageDir, c.Paths.ArchiveDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database shared by the status and harvest stores.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "harvester.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "harvesterd.lock")
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Dispatch.Environment == EnvironmentProduction
}

// QueueName builds the physical queue name for a logical queue using the
// "<logical>_<environment>" convention.
func (c *Config) QueueName(logical string) string {
	return QueueName(logical, c.Dispatch.Environment)
}

// QueueName joins a logical queue name with a deployment environment.
func QueueName(logical, environment string) string {
	logical = strings.TrimSpace(logical)
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return logical
	}
	return logical + "_" + environment
}

// MonitoredQueueNames returns the physical names of every monitored queue.
func (c *Config) MonitoredQueueNames() []string {
	names := make([]string, 0, len(c.Dispatch.MonitoredQueues))
	for _, logical := range c.Dispatch.MonitoredQueues {
		names = append(names, c.QueueName(logical))
	}
	return names
}

// WorkerQueueNames returns the physical names of queues this process polls.
// When worker.queues is empty the monitored set is used.
func (c *Config) WorkerQueueNames() []string {
	if len(c.Worker.Queues) == 0 {
		return c.MonitoredQueueNames()
	}
	names := make([]string, 0, len(c.Worker.Queues))
	for _, logical := range c.Worker.Queues {
		names = append(names, c.QueueName(logical))
	}
	return names
}

// TerminalTTL returns the expiry attached to terminal status records.
func (c *Config) TerminalTTL() time.Duration {
	return time.Duration(c.Status.TerminalTTLSeconds) * time.Second
}

// PurgeInterval returns how often the daemon sweeps expired status records.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Status.PurgeIntervalSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Dispatch.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Dispatch.BackoffMaxMS) * time.Millisecond
}

// KillPollInterval returns how often workers re-read the status of running jobs.
func (c *Config) KillPollInterval() time.Duration {
	return time.Duration(c.Worker.KillPollIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
