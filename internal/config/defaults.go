package config

const (
	EnvironmentDevelopment = "development"
	EnvironmentTest        = "test"
	EnvironmentProduction  = "production"

	StatusBackendMemory   = "memory"
	StatusBackendSQLite   = "sqlite"
	StatusBackendRedis    = "redis"
	StatusBackendPostgres = "postgres"

	BrokerBackendMemory = "memory"
	BrokerBackendAMQP   = "amqp"
)

const (
	defaultDataDir                 = "~/.local/share/harvester"
	defaultLogDir                  = "~/.local/share/harvester/logs"
	defaultHarvestRoot             = "/harvests"
	defaultAPIBind                 = "127.0.0.1:7587"
	defaultEnvironment             = EnvironmentDevelopment
	defaultMaxAttempts             = 5
	defaultBackoffInitialMS        = 1000
	defaultBackoffMaxMS            = 60000
	defaultStatusBackend           = StatusBackendSQLite
	defaultTerminalTTLSeconds      = 7 * 24 * 60 * 60
	defaultPurgeIntervalSeconds    = 300
	defaultRedisAddr               = "127.0.0.1:6379"
	defaultRedisPrefix             = "harvester"
	defaultBrokerBackend           = BrokerBackendMemory
	defaultAMQPExchange            = "harvester"
	defaultAMQPPrefetch            = 4
	defaultWorkerConcurrency       = 4
	defaultKillPollIntervalSeconds = 5
	defaultNotifyRequestTimeout    = 10
	defaultNotifyRatePerMinute     = 30
	defaultNotifyBreakerFailures   = 5
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

var defaultMonitoredQueues = []string{"default", "harvest", "analysis"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			HarvestRoot: defaultHarvestRoot,
			APIBind:     defaultAPIBind,
		},
		Dispatch: Dispatch{
			Environment:      defaultEnvironment,
			MonitoredQueues:  append([]string(nil), defaultMonitoredQueues...),
			MaxAttempts:      defaultMaxAttempts,
			BackoffInitialMS: defaultBackoffInitialMS,
			BackoffMaxMS:     defaultBackoffMaxMS,
		},
		Status: Status{
			Backend:              defaultStatusBackend,
			TerminalTTLSeconds:   defaultTerminalTTLSeconds,
			PurgeIntervalSeconds: defaultPurgeIntervalSeconds,
			RedisAddr:            defaultRedisAddr,
			RedisPrefix:          defaultRedisPrefix,
		},
		Broker: Broker{
			Backend:  defaultBrokerBackend,
			Exchange: defaultAMQPExchange,
			Prefetch: defaultAMQPPrefetch,
		},
		Worker: Worker{
			Concurrency:             defaultWorkerConcurrency,
			KillPollIntervalSeconds: defaultKillPollIntervalSeconds,
		},
		Notifications: Notifications{
			RequestTimeout:  defaultNotifyRequestTimeout,
			RatePerMinute:   defaultNotifyRatePerMinute,
			BreakerFailures: defaultNotifyBreakerFailures,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
