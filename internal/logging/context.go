package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for job identities.
	FieldJobID = "job_id"
	// FieldOwningClass is the standardized structured logging key for the job class.
	FieldOwningClass = "owning_class"
	// FieldQueue is the standardized structured logging key for physical queue names.
	FieldQueue = "queue"
	// FieldHarvestID is the standardized structured logging key for harvest identifiers.
	FieldHarvestID = "harvest_id"
	// FieldPath is the standardized structured logging key for virtual file paths.
	FieldPath = "path"
	// FieldAttempt is the 1-based execution attempt of a job.
	FieldAttempt = "attempt"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies log lines for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldErrorKind carries the classifier verdict for a failure.
	FieldErrorKind = "error_kind"
	// FieldMatchedRule names the classifier rule that matched.
	FieldMatchedRule = "matched_rule"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

type contextKey string

const (
	jobIDKey     contextKey = "job_id"
	queueKey     contextKey = "queue"
	harvestIDKey contextKey = "harvest_id"
	requestIDKey contextKey = "request_id"
)

// WithJobID annotates context with the job identity key.
func WithJobID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the job identity key if present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(jobIDKey).(string)
	return v, ok && v != ""
}

// WithQueue annotates context with the physical queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	if queue == "" {
		return ctx
	}
	return context.WithValue(ctx, queueKey, queue)
}

// WithHarvestID annotates context with the harvest identifier.
func WithHarvestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, harvestIDKey, id)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := JobIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldJobID, id))
	}
	if queue, ok := ctx.Value(queueKey).(string); ok && queue != "" {
		fields = append(fields, slog.String(FieldQueue, queue))
	}
	if harvest, ok := ctx.Value(harvestIDKey).(string); ok && harvest != "" {
		fields = append(fields, slog.String(FieldHarvestID, harvest))
	}
	if rid, ok := RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
