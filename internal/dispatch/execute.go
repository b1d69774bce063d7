package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"harvester/internal/broker"
	"harvester/internal/classify"
	"harvester/internal/logging"
	"harvester/internal/notifications"
	"harvester/internal/status"
)

// Outcome is what a worker reports after running a job.
type Outcome struct {
	Summary string
	Err     error
}

// Claim decides whether a delivery should run. A queued record moves to
// running. A running record is claimed again only by the delivery of its
// current attempt, which covers retries and redelivery after a worker crash.
// Terminal, missing and stale deliveries are skipped.
func (d *Dispatcher) Claim(ctx context.Context, msg broker.Message) (Job, bool, error) {
	job := jobFromMessage(msg)
	logger := logging.WithContext(ctx, d.logger).With(
		logging.String(logging.FieldJobID, job.ID),
		logging.Int(logging.FieldAttempt, job.Attempt),
	)

	rec, err := d.store.Get(ctx, job.ID)
	if errors.Is(err, status.ErrNotFound) {
		logger.Warn("delivery without status record skipped",
			logging.String(logging.FieldEventType, "orphan_delivery"),
			logging.String(logging.FieldErrorHint, "the record was cleared or expired before the job ran"),
		)
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}

	for {
		current := rec.Retries + 1
		switch {
		case rec.Status.IsTerminal():
			logger.Debug("delivery for finished job skipped", logging.String("status", string(rec.Status)))
			return job, false, nil
		case job.Attempt != current:
			logger.Debug("stale delivery skipped", logging.Int("current_attempt", current))
			return job, false, nil
		case rec.Status == status.Running:
			return job, true, nil
		}

		_, err := d.store.Transition(ctx, job.ID, status.Running, fmt.Sprintf("attempt %d started", job.Attempt))
		if err == nil {
			logger.Debug("job claimed", logging.String(logging.FieldEventType, "job_claimed"))
			return job, true, nil
		}
		if !errors.Is(err, status.ErrInvalidTransition) {
			return job, false, err
		}
		// Another worker or a kill got there first.
		rec, err = d.store.Get(ctx, job.ID)
		if err != nil {
			return job, false, err
		}
		if rec.Status == status.Running {
			logger.Debug("job claimed by another worker")
			return job, false, nil
		}
	}
}

// Execute claims msg, runs its handler and reports the outcome. It returns
// ErrInterrupted when ctx ends while the record is still live, in which case
// the delivery should be requeued.
func (d *Dispatcher) Execute(ctx context.Context, msg broker.Message) (status.Record, error) {
	job, ok, err := d.Claim(ctx, msg)
	if err != nil {
		return status.Record{}, fmt.Errorf("claim %s: %w", msg.ID, err)
	}
	if !ok {
		return status.Record{}, nil
	}

	ctx = logging.WithJobID(ctx, job.ID)
	ctx = logging.WithQueue(ctx, job.Queue)
	reportCtx := context.WithoutCancel(ctx)

	handler, found := d.handler(job.OwningClass)
	if !found {
		err := classify.Permanent(fmt.Errorf("%w for %s", ErrNoHandler, job.OwningClass))
		return d.ReportOutcome(reportCtx, job.ID, Outcome{Err: err})
	}

	summary, runErr := d.run(ctx, handler, job)
	if runErr != nil && ctx.Err() != nil {
		rec, err := d.store.Get(reportCtx, job.ID)
		if err == nil && !rec.Status.IsTerminal() {
			return rec, fmt.Errorf("%w: %s: %w", ErrInterrupted, job.ID, runErr)
		}
	}
	return d.ReportOutcome(reportCtx, job.ID, Outcome{Summary: summary, Err: runErr})
}

func (d *Dispatcher) run(ctx context.Context, handler Handler, job Job) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job handler panicked",
				logging.String(logging.FieldJobID, job.ID),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = classify.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

// ReportOutcome finalizes or retries id. Success completes the record. A
// transient failure with attempts left records a retry and re-publishes the
// job after the backoff delay, leaving the record running. Any other failure
// fails the record and notifies. A record that is already terminal, for
// example because it was killed mid-run, is returned unchanged. A record
// still queued, reported on without a Claim, is moved to running first.
func (d *Dispatcher) ReportOutcome(ctx context.Context, id string, outcome Outcome) (status.Record, error) {
	logger := logging.WithContext(ctx, d.logger).With(logging.String(logging.FieldJobID, id))
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		return status.Record{}, err
	}
	if rec.Status.IsTerminal() {
		logger.Info("outcome ignored for finished job", logging.String("status", string(rec.Status)))
		return rec, nil
	}
	if rec.Status == status.Queued {
		rec, err = d.store.Transition(ctx, id, status.Running, "outcome reported before claim")
		if errors.Is(err, status.ErrInvalidTransition) {
			// Killed or claimed meanwhile; report against the current record.
			return d.ReportOutcome(ctx, id, outcome)
		}
		if err != nil {
			return status.Record{}, err
		}
	}
	attempt := rec.Retries + 1
	logger = logger.With(
		logging.String(logging.FieldOwningClass, rec.OwningClass),
		logging.String(logging.FieldQueue, rec.Queue),
		logging.Int(logging.FieldAttempt, attempt),
	)

	if outcome.Err == nil {
		summary := strings.TrimSpace(outcome.Summary)
		if summary == "" {
			summary = "completed"
		}
		done, err := d.store.Transition(ctx, id, status.Completed, summary)
		if err != nil {
			return status.Record{}, err
		}
		logger.Info("job completed", logging.String(logging.FieldEventType, "job_completed"))
		d.runFinalHooks(ctx, done)
		return done, nil
	}

	classified := d.classifier.FromError(outcome.Err)
	logger = logger.With(
		logging.String(logging.FieldErrorKind, string(classified.Kind)),
		logging.String(logging.FieldMatchedRule, classified.MatchedRule),
	)

	if classified.Kind.Retryable() && attempt < d.settings.MaxAttempts {
		delay := d.backoff.Delay(attempt)
		note := fmt.Sprintf("attempt %d failed: %s; retrying in %s", attempt, classified.Message, delay)
		retried, err := d.store.Retry(ctx, id, note)
		if err != nil {
			return status.Record{}, err
		}
		logging.WarnWithContext(logger, "job failed, retry scheduled", "job_retry",
			logging.Error(outcome.Err),
			logging.Duration("delay", delay),
			logging.String(logging.FieldImpact, "job will run again"),
		)
		msg := broker.Message{
			ID:          id,
			OwningClass: rec.OwningClass,
			Queue:       rec.Queue,
			Args:        rec.Args,
			Attempt:     retried.Retries + 1,
		}
		if d.sync {
			return d.Execute(ctx, msg)
		}
		if err := d.publish(ctx, msg, delay); err != nil {
			return d.fail(ctx, logger, retried, classify.Error{
				Kind:        classify.KindTransient,
				Message:     "republish failed: " + err.Error(),
				MatchedRule: classified.MatchedRule,
			}, "retry could not be published: "+err.Error())
		}
		return retried, nil
	}

	var reason string
	switch classified.Kind {
	case classify.KindTransient:
		reason = fmt.Sprintf("failed after %d attempts: %s", attempt, classified.Message)
	case classify.KindUnknown:
		reason = "unclassified failure: " + classified.Message
		logging.ErrorWithContext(logger, "job failed with unclassified error", "unclassified_failure",
			logging.Error(outcome.Err),
			logging.Alert("unclassified_failure"),
			logging.String(logging.FieldErrorHint, "add a classifier rule so this failure is retried or failed deliberately"),
		)
	default:
		reason = "permanent failure: " + classified.Message
	}
	return d.fail(ctx, logger, rec, classified, reason)
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, rec status.Record, classified classify.Error, reason string) (status.Record, error) {
	failed, err := d.store.Transition(ctx, rec.ID, status.Failed, reason)
	if err != nil {
		return status.Record{}, err
	}
	logger.Error("job failed",
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String("reason", reason),
	)

	if err := d.notifier.NotifyFailure(ctx, notifications.Failure{
		JobID:       failed.ID,
		OwningClass: failed.OwningClass,
		Queue:       failed.Queue,
		Args:        failed.Args,
		Retries:     failed.Retries,
		Error:       classified,
	}); err != nil {
		logger.Warn("failure notification not sent",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
		)
	}
	d.runFinalHooks(ctx, failed)
	return failed, nil
}
