package testsupport

import (
	"context"
	"sync"

	"harvester/internal/notifications"
)

// RecordingNotifier captures failure notifications in memory.
type RecordingNotifier struct {
	mu       sync.Mutex
	failures []notifications.Failure
	tests    int
	// Err is returned from every call when set.
	Err error
}

var _ notifications.Notifier = (*RecordingNotifier)(nil)

func (r *RecordingNotifier) NotifyFailure(_ context.Context, failure notifications.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure)
	return r.Err
}

func (r *RecordingNotifier) TestNotification(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests++
	return r.Err
}

// Failures returns a copy of the captured failures.
func (r *RecordingNotifier) Failures() []notifications.Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Failure(nil), r.failures...)
}
