package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"harvester/internal/backoff"
	"harvester/internal/broker"
	"harvester/internal/classify"
	"harvester/internal/config"
	"harvester/internal/jobid"
	"harvester/internal/logging"
	"harvester/internal/notifications"
	"harvester/internal/status"
	"harvester/internal/validate"
)

const defaultMaxAttempts = 5

// Handler executes one job. The returned summary becomes the final status
// message on success.
type Handler func(ctx context.Context, job Job) (summary string, err error)

// FinalHook observes a record that just reached a terminal status.
type FinalHook func(ctx context.Context, rec status.Record)

// Settings is the queue and retry policy of a Dispatcher.
type Settings struct {
	Environment string
	// MonitoredQueues are logical queue names that some worker polls.
	MonitoredQueues []string
	// MaxAttempts bounds executions of one job, the first included.
	MaxAttempts int
}

// SettingsFromConfig reads the [dispatch] section.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		return Settings{Environment: config.EnvironmentDevelopment}
	}
	return Settings{
		Environment:     cfg.Dispatch.Environment,
		MonitoredQueues: append([]string(nil), cfg.Dispatch.MonitoredQueues...),
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
	}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClassifier replaces the default rule set.
func WithClassifier(c *classify.Classifier) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.classifier = c
		}
	}
}

// WithGenerator replaces the identity generator.
func WithGenerator(g *jobid.Generator) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.generator = g
		}
	}
}

// WithNotifier sets the failure notifier.
func WithNotifier(n notifications.Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(s backoff.Strategy) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.backoff = s
		}
	}
}

// WithSyncExecution makes Enqueue run the registered handler inline instead
// of publishing, and retries run immediately. Tests use it to observe final
// status without a worker.
func WithSyncExecution() Option {
	return func(d *Dispatcher) { d.sync = true }
}

// Dispatcher owns every status write of a dispatched job.
type Dispatcher struct {
	settings   Settings
	store      status.Store
	publisher  broker.Publisher
	generator  *jobid.Generator
	classifier *classify.Classifier
	notifier   notifications.Notifier
	backoff    backoff.Strategy
	validator  *validate.Validator
	logger     *slog.Logger
	sync       bool

	monitored map[string]struct{}

	mu       sync.RWMutex
	handlers map[string]Handler
	hooks    map[string][]FinalHook
}

// New builds a Dispatcher. publisher may be nil only with WithSyncExecution.
func New(settings Settings, store status.Store, publisher broker.Publisher, opts ...Option) *Dispatcher {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = defaultMaxAttempts
	}
	d := &Dispatcher{
		settings:   settings,
		store:      store,
		publisher:  publisher,
		generator:  jobid.New(),
		classifier: classify.NewDefault(),
		notifier:   notifications.Noop{},
		backoff:    backoff.Exponential{Initial: time.Second, Max: time.Minute},
		validator:  validate.New(),
		logger:     logging.NewNop(),
		handlers:   make(map[string]Handler),
		hooks:      make(map[string][]FinalHook),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sync {
		d.backoff = backoff.Zero{}
	}
	d.logger = logging.NewComponentLogger(d.logger, "dispatcher")
	d.monitored = make(map[string]struct{}, len(settings.MonitoredQueues))
	for _, logical := range settings.MonitoredQueues {
		d.monitored[config.QueueName(logical, settings.Environment)] = struct{}{}
	}
	return d
}

// Register installs the handler for owningClass, replacing any previous one.
func (d *Dispatcher) Register(owningClass string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[owningClass] = handler
}

// OnFinal adds a hook that runs after a job of owningClass reaches a
// terminal status.
func (d *Dispatcher) OnFinal(owningClass string, hook FinalHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[owningClass] = append(d.hooks[owningClass], hook)
}

// Classifier exposes the classifier used for outcomes.
func (d *Dispatcher) Classifier() *classify.Classifier { return d.classifier }

// ResolveQueue maps a logical or physical queue name to the physical name
// and reports whether some worker monitors it.
func (d *Dispatcher) ResolveQueue(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if _, ok := d.monitored[name]; ok {
		return name, true
	}
	physical := config.QueueName(name, d.settings.Environment)
	_, ok := d.monitored[physical]
	return physical, ok
}

// MonitoredQueues returns the physical names of monitored queues, sorted.
func (d *Dispatcher) MonitoredQueues() []string {
	names := make([]string, 0, len(d.monitored))
	for name := range d.monitored {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Enqueue validates req, derives its identity and, unless a queued or running
// record already holds that identity, records it as queued and publishes it.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (Result, error) {
	req.OwningClass = strings.TrimSpace(req.OwningClass)
	req.Queue = strings.TrimSpace(req.Queue)
	if err := d.validator.Struct(req); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	queue, monitored := d.ResolveQueue(req.Queue)
	logger := logging.WithContext(ctx, d.logger).With(
		logging.String(logging.FieldOwningClass, req.OwningClass),
		logging.String(logging.FieldQueue, queue),
	)
	if !monitored {
		if d.settings.Environment != config.EnvironmentProduction {
			return Result{}, fmt.Errorf("%w: %s (monitored: %s)", ErrUnknownQueue, queue, strings.Join(d.MonitoredQueues(), ", "))
		}
		logging.WarnWithContext(logger, "enqueueing to unmonitored queue", "unknown_queue",
			logging.Alert("unknown_queue"),
			logging.String(logging.FieldErrorHint, "add the queue to dispatch.monitored_queues or start a worker for it"),
			logging.String(logging.FieldImpact, "job may never run"),
		)
	}

	identity, err := d.generator.Generate(req.Strategy, req.OwningClass, req.Args, req.Fields...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	args, err := json.Marshal(req.Args)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode arguments: %w", ErrValidation, err)
	}
	logger = logger.With(logging.String(logging.FieldJobID, identity.Key))

	created, err := d.store.Create(ctx, status.Record{
		ID:          identity.Key,
		Status:      status.Queued,
		Messages:    []string{"queued on " + queue},
		OwningClass: req.OwningClass,
		Queue:       queue,
		Args:        args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("record queued job %s: %w", identity.Key, err)
	}
	result := Result{Accepted: created, ID: identity.Key, Queue: queue}
	if !created {
		logger.Debug("duplicate job suppressed", logging.String(logging.FieldEventType, "duplicate_suppressed"))
		return result, nil
	}

	msg := broker.Message{
		ID:          identity.Key,
		OwningClass: req.OwningClass,
		Queue:       queue,
		Args:        args,
		Attempt:     1,
		PublishedAt: time.Now().UTC(),
	}
	if d.sync {
		if _, err := d.Execute(ctx, msg); err != nil {
			logger.Debug("inline execution ended with error", logging.Error(err))
		}
		return result, nil
	}
	if err := d.publish(ctx, msg, 0); err != nil {
		reason := "publish failed: " + err.Error()
		if _, terr := d.store.Transition(context.WithoutCancel(ctx), identity.Key, status.Failed, reason); terr != nil {
			logger.Error("failed to record publish failure", logging.Error(terr))
		}
		return result, fmt.Errorf("publish %s: %w", identity.Key, err)
	}
	logger.Info("job queued", logging.String(logging.FieldEventType, "job_queued"))
	return result, nil
}

func (d *Dispatcher) publish(ctx context.Context, msg broker.Message, delay time.Duration) error {
	if d.publisher == nil {
		return errors.New("no publisher configured")
	}
	return d.publisher.Publish(ctx, msg, delay)
}

// Get returns the status record for id.
func (d *Dispatcher) Get(ctx context.Context, id string) (status.Record, error) {
	return d.store.Get(ctx, id)
}

// List pages through status records newest first.
func (d *Dispatcher) List(ctx context.Context, r status.Range) ([]status.Record, error) {
	return d.store.List(ctx, r)
}

// Count returns the number of live status records.
func (d *Dispatcher) Count(ctx context.Context) (int64, error) {
	return d.store.Count(ctx)
}

// Clear deletes status records matching filter.
func (d *Dispatcher) Clear(ctx context.Context, filter status.Filter) (int64, error) {
	return d.store.Clear(ctx, filter)
}

// Kill marks id as killed. Cancellation is cooperative: the record changes
// at once, but a handler already running only stops if it honours the
// context that its worker cancels after observing the killed status.
func (d *Dispatcher) Kill(ctx context.Context, id, reason string) (status.Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "killed by operator"
	}
	rec, err := d.store.Transition(ctx, id, status.Killed, reason)
	if err != nil {
		return status.Record{}, err
	}
	logging.WithContext(ctx, d.logger).Info("job killed",
		logging.String(logging.FieldJobID, id),
		logging.String(logging.FieldEventType, "job_killed"),
		logging.String("reason", reason),
	)
	// The kill is recorded; hooks must not be cut short by the caller going away.
	d.runFinalHooks(context.WithoutCancel(ctx), rec)
	return rec, nil
}

func (d *Dispatcher) handler(owningClass string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[owningClass]
	return h, ok
}

func (d *Dispatcher) runFinalHooks(ctx context.Context, rec status.Record) {
	d.mu.RLock()
	hooks := append([]FinalHook(nil), d.hooks[rec.OwningClass]...)
	d.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, rec)
	}
}
