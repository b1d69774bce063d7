package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound          = errors.New("status record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultTerminalTTL applies when a backend is built without an explicit TTL.
const DefaultTerminalTTL = 7 * 24 * time.Hour

// Record is the persisted lifecycle of one job identity.
type Record struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Messages    []string        `json:"messages"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	TTLApplied  bool            `json:"ttl_applied"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	OwningClass string          `json:"owning_class,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Retries     int             `json:"retries"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// Expired reports whether the record's expiry has passed at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// LastMessage returns the most recent message or "".
func (r Record) LastMessage() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1]
}

// Clone returns a deep copy so callers cannot alias stored slices.
func (r Record) Clone() Record {
	out := r
	if r.Messages != nil {
		out.Messages = append([]string(nil), r.Messages...)
	}
	if r.Args != nil {
		out.Args = append(json.RawMessage(nil), r.Args...)
	}
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// Filter selects records for Clear. An empty filter matches everything.
type Filter struct {
	Statuses []Status
}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, candidate := range f.Statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Range pages through records newest first. Limit <= 0 means no limit.
type Range struct {
	Offset int
	Limit  int
}

// Store persists status records.
type Store interface {
	// Put upserts rec. Non-terminal records are stored without expiry.
	Put(ctx context.Context, rec Record) error
	// Create writes rec unless a live non-terminal record already holds its
	// id, and reports whether rec was written. Terminal and expired records
	// are replaced. The check and the write are atomic.
	Create(ctx context.Context, rec Record) (bool, error)
	// Get returns ErrNotFound for missing or expired ids.
	Get(ctx context.Context, id string) (Record, error)
	// Transition moves id to the given status, appending message when it is
	// not empty. It fails with ErrInvalidTransition when the move is not
	// forward or the record is already terminal.
	Transition(ctx context.Context, id string, to Status, message string) (Record, error)
	// Retry records a scheduled retry on a non-terminal record: Retries is
	// incremented and message appended.
	Retry(ctx context.Context, id string, message string) (Record, error)
	// Clear deletes every record whose status passes filter.
	Clear(ctx context.Context, filter Filter) (int64, error)
	List(ctx context.Context, r Range) ([]Record, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Options are shared by every backend.
type Options struct {
	TerminalTTL time.Duration
	Now         func() time.Time
}

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.TerminalTTL <= 0 {
		o.TerminalTTL = DefaultTerminalTTL
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// PrepareForPut normalizes rec before it is written: timestamps are filled and
// the expiry matches the status.
func PrepareForPut(rec Record, now time.Time, ttl time.Duration) Record {
	rec = rec.Clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Messages == nil {
		rec.Messages = []string{}
	}
	if rec.Status.IsTerminal() {
		expires := now.Add(ttl)
		rec.TTLApplied = true
		rec.ExpiresAt = &expires
	} else {
		rec.TTLApplied = false
		rec.ExpiresAt = nil
	}
	return rec
}

// ApplyTransition computes the record that results from moving rec to to.
func ApplyTransition(rec Record, to Status, message string, now time.Time, ttl time.Duration) (Record, error) {
	if !CanTransition(rec.Status, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.Status, to, rec.ID)
	}
	next := rec.Clone()
	next.Status = to
	next.UpdatedAt = now
	if message != "" {
		next.Messages = append(next.Messages, message)
	}
	if to.IsTerminal() {
		expires := now.Add(ttl)
		next.TTLApplied = true
		next.ExpiresAt = &expires
	}
	return next, nil
}

// ApplyRetry computes the record that results from scheduling a retry.
func ApplyRetry(rec Record, message string, now time.Time) (Record, error) {
	if rec.Status.IsTerminal() {
		return Record{}, fmt.Errorf("%w: retry of %s record %s", ErrInvalidTransition, rec.Status, rec.ID)
	}
	next := rec.Clone()
	next.Retries++
	next.UpdatedAt = now
	if message != "" {
		next.Messages = append(next.Messages, message)
	}
	return next, nil
}

// SortNewestFirst orders records by creation time descending, then id.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// Page applies r to an already sorted slice.
func Page(records []Record, r Range) []Record {
	if r.Offset < 0 {
		r.Offset = 0
	}
	if r.Offset >= len(records) {
		return []Record{}
	}
	records = records[r.Offset:]
	if r.Limit > 0 && r.Limit < len(records) {
		records = records[:r.Limit]
	}
	return records
}
