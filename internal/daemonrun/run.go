package daemonrun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"harvester/internal/backoff"
	"harvester/internal/broker"
	"harvester/internal/broker/amqpbroker"
	"harvester/internal/classify"
	"harvester/internal/config"
	"harvester/internal/daemon"
	"harvester/internal/dispatch"
	"harvester/internal/harvest"
	"harvester/internal/logging"
	"harvester/internal/notifications"
	"harvester/internal/status"
	"harvester/internal/status/pgstore"
	"harvester/internal/status/redisstore"
	"harvester/internal/status/sqlitestore"
	"harvester/internal/storage"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// StatusStore is a status backend the janitor can purge.
type StatusStore interface {
	status.Store
	daemon.Purger
}

// Runtime holds the wired components of one daemon process.
type Runtime struct {
	Daemon  *daemon.Daemon
	closers []io.Closer
}

// Close releases every component in reverse order of construction.
func (r *Runtime) Close() error {
	var errs []error
	if r.Daemon != nil {
		errs = append(errs, r.Daemon.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Run starts the harvester daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "harvesterd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	rt, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("daemon wiring failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_build_failed"),
			logging.String(logging.FieldErrorHint, "check the status and broker backend settings"),
		)
		return err
	}
	defer rt.Close()

	logBackendSnapshot(logger, cfg)
	if err := rt.Daemon.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("harvester daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	rt.Daemon.Stop()
	return nil
}

// Build opens the configured backends and wires the dispatcher, harvest
// machine and daemon. The caller owns the returned Runtime.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	db, err := storage.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, db)

	statuses, err := OpenStatusStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, statuses)

	transport, err := OpenBroker(cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, transport)

	classifier, err := classify.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithClassifier(classifier),
		dispatch.WithNotifier(notifications.NewService(cfg)),
		dispatch.WithBackoff(backoff.FromConfig(cfg)),
	}
	if cfg.Dispatch.SyncExecution {
		dispatchOpts = append(dispatchOpts, dispatch.WithSyncExecution())
	}
	dispatcher := dispatch.New(dispatch.SettingsFromConfig(cfg), statuses, transport, dispatchOpts...)

	items, err := harvest.OpenStore(ctx, db)
	if err != nil {
		return nil, err
	}
	machine := harvest.NewMachine(items, dispatcher, cfg.Paths.StorageDir,
		harvest.WithResolver(harvest.PrefixResolver{Prefix: cfg.Paths.HarvestRoot}),
		harvest.WithProcessor(harvest.FileProcessor{Root: cfg.Paths.StorageDir, ArchiveDir: cfg.Paths.ArchiveDir}),
		harvest.WithLogger(logger),
	)

	d, err := daemon.New(cfg, logger, daemon.Components{
		Statuses:   statuses,
		Consumer:   transport,
		Dispatcher: dispatcher,
		Machine:    machine,
		Purger:     statuses,
	})
	if err != nil {
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	rt.Daemon = d
	return rt, nil
}

// OpenStatusStore returns the status backend named by status.backend. The
// sqlite backend shares db with the harvest item store.
func OpenStatusStore(ctx context.Context, cfg *config.Config, db *sql.DB) (StatusStore, error) {
	opts := status.Options{TerminalTTL: cfg.TerminalTTL()}
	switch cfg.Status.Backend {
	case config.StatusBackendMemory:
		return status.NewMemoryStore(opts), nil
	case config.StatusBackendSQLite:
		store, err := sqlitestore.New(ctx, db, opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StatusBackendRedis:
		store, err := redisstore.Dial(ctx, cfg.Status.RedisAddr, cfg.Status.RedisPassword, cfg.Status.RedisDB, cfg.Status.RedisPrefix, opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StatusBackendPostgres:
		store, err := pgstore.Connect(ctx, cfg.Status.PostgresDSN, opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("status backend: unsupported value %q", cfg.Status.Backend)
	}
}

// OpenBroker returns the transport named by broker.backend.
func OpenBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Backend {
	case config.BrokerBackendMemory:
		return broker.NewMemory(), nil
	case config.BrokerBackendAMQP:
		b, err := amqpbroker.Dial(amqpbroker.Options{
			URL:      cfg.Broker.AMQPURL,
			Exchange: cfg.Broker.Exchange,
			Prefetch: cfg.Broker.Prefetch,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("broker backend: unsupported value %q", cfg.Broker.Backend)
	}
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	if opts.LogLevel == "" && !opts.Development {
		return logging.NewFromConfig(cfg)
	}
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		Outputs:     logging.ConfigOutputs(cfg),
		Development: opts.Development,
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logBackendSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("backend snapshot",
		logging.String(logging.FieldEventType, "backend_snapshot"),
		logging.String("environment", cfg.Dispatch.Environment),
		logging.String("status_backend", cfg.Status.Backend),
		logging.String("broker_backend", cfg.Broker.Backend),
		logging.String("harvest_root", cfg.Paths.HarvestRoot),
		logging.String("storage_dir", cfg.Paths.StorageDir),
		logging.Bool("archive_enabled", cfg.Paths.ArchiveDir != ""),
		logging.Bool("sync_execution", cfg.Dispatch.SyncExecution),
		logging.Bool("ntfy_enabled", cfg.Notifications.NtfyTopic != ""),
	)
}
