// Package notifications tells operators about jobs that failed for good.
//
// The default implementation posts plain-text messages to an ntfy topic and
// degrades to a no-op when no topic is configured. Sends pass through a rate
// limiter and a circuit breaker so a burst of failures, or an unreachable ntfy
// server, cannot stall the dispatcher. Callers treat every send as fire and
// forget: an error is logged, never propagated into job status.
package notifications
