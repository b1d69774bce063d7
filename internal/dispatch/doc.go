// Package dispatch turns work requests into queued, tracked jobs and turns
// worker outcomes into final status records.
//
// A Dispatcher composes the identity generator, the status store, the error
// classifier, the broker and the failure notifier. Enqueue deduplicates on
// the generated identity: while a record for that identity is queued or
// running, further requests are suppressed and reported as not accepted.
// Execute claims a delivered message, runs the handler registered for its
// owning class, and reports the outcome. Transient failures are re-published
// with a backoff delay and the record stays running; exhausted, permanent and
// unclassified failures end the record as failed and notify operators.
//
// Kill only changes the status record. Work that is already executing stops
// when its handler observes the cancelled context that worker.Pool derives
// from kill polling; handlers that ignore ctx run to completion.
package dispatch
