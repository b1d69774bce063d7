package dispatch

import "errors"

var (
	// ErrValidation rejects a request before anything is written.
	ErrValidation = errors.New("invalid dispatch request")
	// ErrUnknownQueue rejects a queue outside the monitored set outside
	// production.
	ErrUnknownQueue = errors.New("queue is not monitored")
	// ErrNoHandler reports a delivery for an owning class nobody registered.
	ErrNoHandler = errors.New("no handler registered")
	// ErrInterrupted reports an execution abandoned because the worker is
	// stopping. The delivery should be requeued.
	ErrInterrupted = errors.New("execution interrupted")
)
