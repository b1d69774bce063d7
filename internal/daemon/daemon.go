package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"harvester/internal/broker"
	"harvester/internal/config"
	"harvester/internal/dispatch"
	"harvester/internal/harvest"
	"harvester/internal/logging"
	"harvester/internal/status"
	"harvester/internal/worker"
)

// Purger removes expired status records.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Components are the collaborators a Daemon runs. Purger may be nil.
type Components struct {
	Statuses   status.Store
	Consumer   broker.Consumer
	Dispatcher *dispatch.Dispatcher
	Machine    *harvest.Machine
	Purger     Purger
}

// Daemon coordinates the worker pool, API and janitor and enforces
// single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	comps  Components
	pool   *worker.Pool
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running         bool
	PID             int
	Environment     string
	StatusBackend   string
	BrokerBackend   string
	DatabasePath    string
	LockFilePath    string
	MonitoredQueues []string
	WorkerQueues    []string
	ActiveJobs      []string
	Jobs            int64
	Harvest         harvest.Summary
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger, comps Components) (*Daemon, error) {
	if cfg == nil || comps.Statuses == nil || comps.Consumer == nil || comps.Dispatcher == nil || comps.Machine == nil {
		return nil, errors.New("daemon requires config, status store, consumer, dispatcher and harvest machine")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		comps:    comps,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.pool = worker.NewPool(comps.Consumer, comps.Dispatcher, logger, worker.OptionsFromConfig(cfg)...)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the worker pool, janitor and
// API server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another harvester daemon holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.pool.Run(runCtx); err != nil {
			d.logger.Error("worker pool stopped with error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "worker_pool_failed"),
				logging.String(logging.FieldImpact, "queued jobs are not being processed"),
			)
		}
	}()
	if d.comps.Purger != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			runJanitor(runCtx, d.comps.Purger, d.cfg.PurgeInterval(), d.logger)
		}()
	}

	d.running.Store(true)
	d.logger.Info("harvester daemon started",
		logging.String("lock", d.lockPath),
		logging.String("environment", d.cfg.Dispatch.Environment),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop cancels background work, waits for in-flight jobs to hand back their
// deliveries and releases the lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("harvester daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon. Collaborators are closed by whoever built them.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Addr returns the API listen address once started.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:         d.running.Load(),
		PID:             os.Getpid(),
		Environment:     d.cfg.Dispatch.Environment,
		StatusBackend:   d.cfg.Status.Backend,
		BrokerBackend:   d.cfg.Broker.Backend,
		DatabasePath:    d.cfg.DatabasePath(),
		LockFilePath:    d.lockPath,
		MonitoredQueues: d.comps.Dispatcher.MonitoredQueues(),
		WorkerQueues:    d.cfg.WorkerQueueNames(),
		ActiveJobs:      d.pool.Active(),
	}
	if count, err := d.comps.Statuses.Count(ctx); err == nil {
		st.Jobs = count
	} else {
		d.logger.Warn("status count unavailable", logging.Error(err))
	}
	if summary, err := d.comps.Machine.Store().Summary(ctx); err == nil {
		st.Harvest = summary
	} else {
		d.logger.Warn("harvest summary unavailable", logging.Error(err))
	}
	return st
}
