// Package worker runs dispatched jobs pulled from broker queues.
//
// A Pool consumes every configured queue and executes deliveries on a fixed
// number of goroutines. It also polls the status of the jobs it is running
// and cancels the context of any job an operator killed. Cancellation is
// cooperative: a handler that ignores its context keeps running until it
// returns, and its outcome is then discarded because the record is already
// terminal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"harvester/internal/broker"
	"harvester/internal/config"
	"harvester/internal/dispatch"
	"harvester/internal/logging"
	"harvester/internal/status"
)

// Executor runs one delivery to completion. dispatch.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, msg broker.Message) (status.Record, error)
	Get(ctx context.Context, id string) (status.Record, error)
}

var _ Executor = (*dispatch.Dispatcher)(nil)

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of jobs run at once.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithQueues sets the physical queue names to consume.
func WithQueues(queues ...string) Option {
	return func(p *Pool) { p.queues = append([]string(nil), queues...) }
}

// WithKillPollInterval sets how often running jobs are checked for a kill.
// Zero disables polling.
func WithKillPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.killPoll = d }
}

// OptionsFromConfig reads the [worker] section.
func OptionsFromConfig(cfg *config.Config) []Option {
	return []Option{
		WithConcurrency(cfg.Worker.Concurrency),
		WithQueues(cfg.WorkerQueueNames()...),
		WithKillPollInterval(cfg.KillPollInterval()),
	}
}

// Pool executes deliveries from a set of queues.
type Pool struct {
	consumer    broker.Consumer
	executor    Executor
	logger      *slog.Logger
	concurrency int
	queues      []string
	killPoll    time.Duration

	// active holds one cancel func per running delivery. A job id can have
	// several when a redelivery overlaps the original.
	activeMu  sync.Mutex
	active    map[string]map[uint64]context.CancelFunc
	nextToken uint64
}

// NewPool builds a pool. Run starts it.
func NewPool(consumer broker.Consumer, executor Executor, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		consumer:    consumer,
		executor:    executor,
		logger:      logging.NewComponentLogger(logger, "worker"),
		concurrency: 1,
		killPoll:    5 * time.Second,
		active:      make(map[string]map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes until ctx ends. In-flight jobs see ctx cancelled, and
// interrupted deliveries are returned to their queue.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.queues) == 0 {
		return errors.New("worker pool has no queues")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streams := make([]<-chan broker.Delivery, 0, len(p.queues))
	for _, queue := range p.queues {
		stream, err := p.consumer.Consume(ctx, queue)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		streams = append(streams, stream)
	}

	g, ctx := errgroup.WithContext(ctx)
	deliveries := make(chan broker.Delivery)
	var forwarders sync.WaitGroup
	for _, stream := range streams {
		forwarders.Add(1)
		g.Go(func() error {
			defer forwarders.Done()
			for d := range stream {
				select {
				case deliveries <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		forwarders.Wait()
		close(deliveries)
	}()

	p.logger.Info("worker pool started",
		logging.Int("concurrency", p.concurrency),
		logging.Any("queues", p.queues),
	)

	for range p.concurrency {
		g.Go(func() error {
			for d := range deliveries {
				p.handle(ctx, d)
			}
			return nil
		})
	}
	if p.killPoll > 0 {
		g.Go(func() error {
			p.killLoop(ctx)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) handle(ctx context.Context, d broker.Delivery) {
	msg := d.Message()
	logger := p.logger.With(
		logging.String(logging.FieldJobID, msg.ID),
		logging.String(logging.FieldQueue, msg.Queue),
		logging.Int(logging.FieldAttempt, msg.Attempt),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	token := p.track(msg.ID, cancel)
	rec, err := p.executor.Execute(jobCtx, msg)
	p.untrack(msg.ID, token)
	cancel()

	switch {
	case errors.Is(err, dispatch.ErrInterrupted):
		logger.Info("job interrupted, returning to queue")
		if nackErr := d.Nack(true); nackErr != nil {
			logger.Warn("requeue failed", logging.Error(nackErr))
		}
		return
	case err != nil:
		logging.WarnWithContext(logger, "job execution error", "execution_error",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the status store connection"),
			logging.String(logging.FieldImpact, "delivery acknowledged without a recorded outcome"),
		)
	case rec.ID != "":
		logger.Debug("delivery handled", logging.String("status", string(rec.Status)))
	}
	if ackErr := d.Ack(); ackErr != nil {
		logger.Warn("ack failed", logging.Error(ackErr))
	}
}

func (p *Pool) killLoop(ctx context.Context) {
	ticker := time.NewTicker(p.killPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkKilled(ctx)
		}
	}
}

func (p *Pool) checkKilled(ctx context.Context) {
	for _, id := range p.Active() {
		rec, err := p.executor.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, status.ErrNotFound) && ctx.Err() == nil {
				p.logger.Debug("kill poll failed", logging.String(logging.FieldJobID, id), logging.Error(err))
			}
			continue
		}
		if rec.Status != status.Killed {
			continue
		}
		p.activeMu.Lock()
		cancels := make([]context.CancelFunc, 0, len(p.active[id]))
		for _, cancel := range p.active[id] {
			cancels = append(cancels, cancel)
		}
		p.activeMu.Unlock()
		if len(cancels) > 0 {
			p.logger.Info("cancelling killed job",
				logging.String(logging.FieldJobID, id),
				logging.Int("deliveries", len(cancels)),
			)
		}
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Active returns the ids of jobs running in this pool, sorted.
func (p *Pool) Active() []string {
	p.activeMu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.activeMu.Unlock()
	slices.Sort(ids)
	return ids
}

func (p *Pool) track(id string, cancel context.CancelFunc) uint64 {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	p.nextToken++
	runs, ok := p.active[id]
	if !ok {
		runs = make(map[uint64]context.CancelFunc)
		p.active[id] = runs
	}
	runs[p.nextToken] = cancel
	return p.nextToken
}

func (p *Pool) untrack(id string, token uint64) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	runs := p.active[id]
	delete(runs, token)
	if len(runs) == 0 {
		delete(p.active, id)
	}
}
