package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDispatch()
	c.normalizeStatus()
	c.normalizeBroker()
	c.normalizeWorker()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(strings.TrimSpace(c.Paths.DataDir)); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	// harvest_root is a virtual path in the transfer server namespace, not a
	// local directory, so it is cleaned but never made absolute against cwd.
	root := strings.TrimSpace(c.Paths.HarvestRoot)
	if root == "" {
		root = defaultHarvestRoot
	}
	c.Paths.HarvestRoot = path.Clean("/" + strings.TrimLeft(root, "/"))
	if strings.TrimSpace(c.Paths.StorageDir) == "" {
		c.Paths.StorageDir = filepath.Join(c.Paths.DataDir, "files")
	}
	if c.Paths.StorageDir, err = expandPath(strings.TrimSpace(c.Paths.StorageDir)); err != nil {
		return fmt.Errorf("paths.storage_dir: %w", err)
	}
	if archive := strings.TrimSpace(c.Paths.ArchiveDir); archive != "" {
		if c.Paths.ArchiveDir, err = expandPath(archive); err != nil {
			return fmt.Errorf("paths.archive_dir: %w", err)
		}
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("HARVESTER_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeDispatch() {
	env := strings.ToLower(strings.TrimSpace(c.Dispatch.Environment))
	if value, ok := os.LookupEnv("HARVESTER_ENV"); ok && strings.TrimSpace(value) != "" {
		env = strings.ToLower(strings.TrimSpace(value))
	}
	switch env {
	case "", "dev":
		env = EnvironmentDevelopment
	case "prod":
		env = EnvironmentProduction
	}
	c.Dispatch.Environment = env
	c.Dispatch.MonitoredQueues = normalizeNames(c.Dispatch.MonitoredQueues)
}

func (c *Config) normalizeStatus() {
	c.Status.Backend = strings.ToLower(strings.TrimSpace(c.Status.Backend))
	if c.Status.Backend == "" {
		c.Status.Backend = defaultStatusBackend
	}
	c.Status.RedisAddr = strings.TrimSpace(c.Status.RedisAddr)
	c.Status.RedisPrefix = strings.TrimSpace(c.Status.RedisPrefix)
	if c.Status.RedisPrefix == "" {
		c.Status.RedisPrefix = defaultRedisPrefix
	}
	c.Status.PostgresDSN = strings.TrimSpace(c.Status.PostgresDSN)
}

func (c *Config) normalizeBroker() {
	c.Broker.Backend = strings.ToLower(strings.TrimSpace(c.Broker.Backend))
	if c.Broker.Backend == "" {
		c.Broker.Backend = defaultBrokerBackend
	}
	c.Broker.AMQPURL = strings.TrimSpace(c.Broker.AMQPURL)
	if c.Broker.AMQPURL == "" {
		if value, ok := os.LookupEnv("HARVESTER_AMQP_URL"); ok {
			c.Broker.AMQPURL = strings.TrimSpace(value)
		}
	}
	c.Broker.Exchange = strings.TrimSpace(c.Broker.Exchange)
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = defaultAMQPExchange
	}
}

func (c *Config) normalizeWorker() {
	c.Worker.Queues = normalizeNames(c.Worker.Queues)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizeNames(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
