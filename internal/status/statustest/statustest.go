// Package statustest runs the behaviour every status.Store backend must share.
package statustest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"harvester/internal/status"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed whole-second instant so every backend can store
// it without losing precision.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store using opts.
type Factory func(t *testing.T, opts status.Options) status.Store

const ttl = time.Hour

// Run exercises factory's store against the shared contract.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, store status.Store, clock *Clock)
	}{
		{"PutGet", testPutGet},
		{"GetMissing", testGetMissing},
		{"ForwardTransitions", testForwardTransitions},
		{"TerminalIsFinal", testTerminalIsFinal},
		{"BackwardRejected", testBackwardRejected},
		{"ConcurrentTransition", testConcurrentTransition},
		{"Retry", testRetry},
		{"Create", testCreate},
		{"ConcurrentCreate", testConcurrentCreate},
		{"Expiry", testExpiry},
		{"PutResetsExpiry", testPutResetsExpiry},
		{"Clear", testClear},
		{"ListNewestFirst", testListNewestFirst},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := NewClock()
			store := factory(t, status.Options{TerminalTTL: ttl, Now: clock.Now})
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store, clock)
		})
	}
}

func queued(id string) status.Record {
	return status.Record{
		ID:          id,
		Status:      status.Queued,
		OwningClass: "Harvest",
		Queue:       "harvest_test",
		Args:        json.RawMessage(`{"harvest_id":"h-1"}`),
		Messages:    []string{"queued"},
	}
}

func mustPut(t *testing.T, store status.Store, rec status.Record) {
	t.Helper()
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put(%s): %v", rec.ID, err)
	}
}

func mustTransition(t *testing.T, store status.Store, id string, to status.Status) status.Record {
	t.Helper()
	rec, err := store.Transition(context.Background(), id, to, "to "+string(to))
	if err != nil {
		t.Fatalf("Transition(%s, %s): %v", id, to, err)
	}
	return rec
}

func testPutGet(t *testing.T, store status.Store, clock *Clock) {
	mustPut(t, store, queued("job-1"))
	rec, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != status.Queued || rec.TTLApplied || rec.ExpiresAt != nil {
		t.Fatalf("unexpected queued record %+v", rec)
	}
	if rec.OwningClass != "Harvest" || rec.Queue != "harvest_test" {
		t.Fatalf("bookkeeping not preserved: %+v", rec)
	}
	var args map[string]string
	if err := json.Unmarshal(rec.Args, &args); err != nil || args["harvest_id"] != "h-1" {
		t.Fatalf("args not preserved: %s (%v)", rec.Args, err)
	}
	if len(rec.Messages) != 1 || rec.Messages[0] != "queued" {
		t.Fatalf("messages not preserved: %v", rec.Messages)
	}
	if !rec.CreatedAt.Equal(clock.Now()) || !rec.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("timestamps = %v/%v, want %v", rec.CreatedAt, rec.UpdatedAt, clock.Now())
	}
}

func testGetMissing(t *testing.T, store status.Store, _ *Clock) {
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Transition(context.Background(), "nope", status.Running, ""); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Transition, got %v", err)
	}
}

func testForwardTransitions(t *testing.T, store status.Store, clock *Clock) {
	mustPut(t, store, queued("job-1"))
	clock.Advance(time.Second)
	running := mustTransition(t, store, "job-1", status.Running)
	if running.Status != status.Running || running.TTLApplied || running.ExpiresAt != nil {
		t.Fatalf("unexpected running record %+v", running)
	}
	clock.Advance(time.Second)
	done := mustTransition(t, store, "job-1", status.Completed)
	if !done.TTLApplied || done.ExpiresAt == nil || !done.ExpiresAt.Equal(clock.Now().Add(ttl)) {
		t.Fatalf("expected expiry at %v, got %+v", clock.Now().Add(ttl), done)
	}

	stored, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != status.Completed || !stored.TTLApplied {
		t.Fatalf("unexpected stored record %+v", stored)
	}
	want := []string{"queued", "to running", "to completed"}
	if len(stored.Messages) != len(want) {
		t.Fatalf("messages = %v, want %v", stored.Messages, want)
	}
	for i := range want {
		if stored.Messages[i] != want[i] {
			t.Fatalf("messages = %v, want %v", stored.Messages, want)
		}
	}
	if !stored.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("updated_at = %v, want %v", stored.UpdatedAt, clock.Now())
	}
}

func testTerminalIsFinal(t *testing.T, store status.Store, _ *Clock) {
	ctx := context.Background()
	for _, terminal := range []status.Status{status.Completed, status.Failed, status.Killed} {
		id := "job-" + string(terminal)
		mustPut(t, store, queued(id))
		mustTransition(t, store, id, status.Running)
		mustTransition(t, store, id, terminal)
		for _, next := range status.AllStatuses() {
			if _, err := store.Transition(ctx, id, next, "again"); !errors.Is(err, status.ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", terminal, next, err)
			}
		}
		rec, err := store.Get(ctx, id)
		if err != nil || rec.Status != terminal {
			t.Fatalf("terminal record changed: %+v (%v)", rec, err)
		}
	}
}

func testBackwardRejected(t *testing.T, store status.Store, _ *Clock) {
	ctx := context.Background()
	mustPut(t, store, queued("job-1"))
	if _, err := store.Transition(ctx, "job-1", status.Completed, ""); !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("queued -> completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.Transition(ctx, "job-1", status.Queued, ""); !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("queued -> queued: expected ErrInvalidTransition, got %v", err)
	}
	mustTransition(t, store, "job-1", status.Running)
	if _, err := store.Transition(ctx, "job-1", status.Queued, ""); !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("running -> queued: expected ErrInvalidTransition, got %v", err)
	}

	mustPut(t, store, queued("job-2"))
	mustTransition(t, store, "job-2", status.Killed)
}

func testConcurrentTransition(t *testing.T, store status.Store, _ *Clock) {
	mustPut(t, store, queued("job-1"))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
		other     []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Transition(context.Background(), "job-1", status.Running, "claimed")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, status.ErrInvalidTransition):
				invalid++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if successes != 1 || invalid != workers-1 {
		t.Fatalf("successes=%d invalid=%d, want 1 and %d", successes, invalid, workers-1)
	}
}

func testRetry(t *testing.T, store status.Store, _ *Clock) {
	ctx := context.Background()
	mustPut(t, store, queued("job-1"))
	mustTransition(t, store, "job-1", status.Running)
	rec, err := store.Retry(ctx, "job-1", "retry 1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if rec.Retries != 1 || rec.Status != status.Running || rec.LastMessage() != "retry 1" {
		t.Fatalf("unexpected record after retry %+v", rec)
	}
	if _, err := store.Retry(ctx, "job-1", "retry 2"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	stored, _ := store.Get(ctx, "job-1")
	if stored.Retries != 2 || stored.TTLApplied {
		t.Fatalf("unexpected stored record %+v", stored)
	}

	mustTransition(t, store, "job-1", status.Failed)
	if _, err := store.Retry(ctx, "job-1", "late"); !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.Retry(ctx, "missing", "x"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCreate(t *testing.T, store status.Store, clock *Clock) {
	ctx := context.Background()
	created, err := store.Create(ctx, queued("job-1"))
	if err != nil || !created {
		t.Fatalf("Create(new) = %v (%v), want true", created, err)
	}
	again := queued("job-1")
	again.Messages = []string{"duplicate"}
	created, err = store.Create(ctx, again)
	if err != nil || created {
		t.Fatalf("Create(queued duplicate) = %v (%v), want false", created, err)
	}
	mustTransition(t, store, "job-1", status.Running)
	if created, err = store.Create(ctx, again); err != nil || created {
		t.Fatalf("Create(running duplicate) = %v (%v), want false", created, err)
	}
	rec, _ := store.Get(ctx, "job-1")
	if rec.Status != status.Running || rec.Messages[0] != "queued" {
		t.Fatalf("live record overwritten: %+v", rec)
	}

	mustTransition(t, store, "job-1", status.Completed)
	clock.Advance(time.Second)
	if created, err = store.Create(ctx, again); err != nil || !created {
		t.Fatalf("Create(after terminal) = %v (%v), want true", created, err)
	}
	rec, _ = store.Get(ctx, "job-1")
	if rec.Status != status.Queued || rec.TTLApplied || rec.LastMessage() != "duplicate" {
		t.Fatalf("terminal record not replaced: %+v", rec)
	}
}

func testConcurrentCreate(t *testing.T, store status.Store, _ *Clock) {
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.Create(context.Background(), queued("job-1"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
}

func testExpiry(t *testing.T, store status.Store, clock *Clock) {
	ctx := context.Background()
	mustPut(t, store, queued("finished"))
	mustTransition(t, store, "finished", status.Running)
	mustTransition(t, store, "finished", status.Completed)
	mustPut(t, store, queued("stalled"))

	clock.Advance(ttl + time.Second)

	if _, err := store.Get(ctx, "finished"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected expired record to be gone, got %v", err)
	}
	if rec, err := store.Get(ctx, "stalled"); err != nil || rec.Status != status.Queued {
		t.Fatalf("non-terminal record must not expire: %+v (%v)", rec, err)
	}
	count, err := store.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Count = %d (%v), want 1", count, err)
	}
	list, err := store.List(ctx, status.Range{})
	if err != nil || len(list) != 1 || list[0].ID != "stalled" {
		t.Fatalf("List = %+v (%v)", list, err)
	}
}

func testPutResetsExpiry(t *testing.T, store status.Store, _ *Clock) {
	ctx := context.Background()
	mustPut(t, store, queued("job-1"))
	mustTransition(t, store, "job-1", status.Failed)
	mustPut(t, store, queued("job-1"))
	rec, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != status.Queued || rec.TTLApplied || rec.ExpiresAt != nil {
		t.Fatalf("re-queued record kept expiry: %+v", rec)
	}
}

func testClear(t *testing.T, store status.Store, _ *Clock) {
	ctx := context.Background()
	mustPut(t, store, queued("a"))
	mustPut(t, store, queued("b"))
	mustTransition(t, store, "b", status.Running)
	mustPut(t, store, queued("c"))
	mustTransition(t, store, "c", status.Failed)

	removed, err := store.Clear(ctx, status.Filter{Statuses: []status.Status{status.Failed}})
	if err != nil || removed != 1 {
		t.Fatalf("Clear(failed) = %d (%v), want 1", removed, err)
	}
	if _, err := store.Get(ctx, "c"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected cleared record to be gone, got %v", err)
	}
	removed, err = store.Clear(ctx, status.Filter{})
	if err != nil || removed != 2 {
		t.Fatalf("Clear(all) = %d (%v), want 2", removed, err)
	}
	if count, _ := store.Count(ctx); count != 0 {
		t.Fatalf("Count after clear = %d", count)
	}
}

func testListNewestFirst(t *testing.T, store status.Store, clock *Clock) {
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		mustPut(t, store, queued(id))
		clock.Advance(time.Second)
	}
	all, err := store.List(ctx, status.Range{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "third" || all[2].ID != "first" {
		t.Fatalf("unexpected order %+v", ids(all))
	}
	page, err := store.List(ctx, status.Range{Offset: 1, Limit: 1})
	if err != nil || len(page) != 1 || page[0].ID != "second" {
		t.Fatalf("page = %v (%v)", ids(page), err)
	}
	empty, err := store.List(ctx, status.Range{Offset: 10})
	if err != nil || len(empty) != 0 {
		t.Fatalf("offset past end = %v (%v)", ids(empty), err)
	}
	count, err := store.Count(ctx)
	if err != nil || count != 3 {
		t.Fatalf("Count = %d (%v)", count, err)
	}
}

func ids(records []status.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
