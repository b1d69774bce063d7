package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateStatus(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDispatch() error {
	switch c.Dispatch.Environment {
	case EnvironmentDevelopment, EnvironmentTest, EnvironmentProduction:
	default:
		return fmt.Errorf("dispatch.environment: unsupported value %q (want development, test, or production)", c.Dispatch.Environment)
	}
	if len(c.Dispatch.MonitoredQueues) == 0 {
		return errors.New("dispatch.monitored_queues must list at least one queue")
	}
	if err := ensurePositiveMap(map[string]int{
		"dispatch.max_attempts":       c.Dispatch.MaxAttempts,
		"dispatch.backoff_initial_ms": c.Dispatch.BackoffInitialMS,
		"dispatch.backoff_max_ms":     c.Dispatch.BackoffMaxMS,
	}); err != nil {
		return err
	}
	if c.Dispatch.BackoffMaxMS < c.Dispatch.BackoffInitialMS {
		return errors.New("dispatch.backoff_max_ms must be >= dispatch.backoff_initial_ms")
	}
	return nil
}

func (c *Config) validateStatus() error {
	if c.Status.TerminalTTLSeconds <= 0 {
		return errors.New("status.terminal_ttl_seconds must be positive")
	}
	switch c.Status.Backend {
	case StatusBackendMemory, StatusBackendSQLite:
	case StatusBackendRedis:
		if c.Status.RedisAddr == "" {
			return errors.New("status.redis_addr must be set when status.backend is redis")
		}
	case StatusBackendPostgres:
		if c.Status.PostgresDSN == "" {
			return errors.New("status.postgres_dsn must be set when status.backend is postgres")
		}
	default:
		return fmt.Errorf("status.backend: unsupported value %q", c.Status.Backend)
	}
	if c.Status.PurgeIntervalSeconds <= 0 {
		return errors.New("status.purge_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Backend {
	case BrokerBackendMemory:
	case BrokerBackendAMQP:
		if c.Broker.AMQPURL == "" {
			return errors.New("broker.amqp_url must be set when broker.backend is amqp (or set HARVESTER_AMQP_URL)")
		}
		if c.Broker.Prefetch <= 0 {
			return errors.New("broker.prefetch must be positive")
		}
	default:
		return fmt.Errorf("broker.backend: unsupported value %q", c.Broker.Backend)
	}
	return nil
}

func (c *Config) validateWorker() error {
	return ensurePositiveMap(map[string]int{
		"worker.concurrency":                c.Worker.Concurrency,
		"worker.kill_poll_interval_seconds": c.Worker.KillPollIntervalSeconds,
	})
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	if c.Notifications.RatePerMinute < 0 {
		return errors.New("notifications.rate_per_minute must be >= 0")
	}
	if c.Notifications.BreakerFailures < 0 {
		return errors.New("notifications.breaker_failures must be >= 0")
	}
	return nil
}

func (c *Config) validateClassifier() error {
	for i, rule := range c.Classifier.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("classifier.rules[%d].name must be set", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("classifier.rules[%d].pattern: %w", i, err)
		}
		switch strings.ToLower(strings.TrimSpace(rule.Kind)) {
		case "transient", "permanent":
		default:
			return fmt.Errorf("classifier.rules[%d].kind: unsupported value %q (want transient or permanent)", i, rule.Kind)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
