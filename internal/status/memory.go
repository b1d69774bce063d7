package status

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in process memory. Expired records are dropped
// when they are next read.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	opts    Options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), opts: opts.WithDefaults()}
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("put status record: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = PrepareForPut(rec, m.opts.Now(), m.opts.TerminalTTL)
	return nil
}

func (m *MemoryStore) Create(_ context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("create status record: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.lookupLocked(rec.ID); ok && !current.Status.IsTerminal() {
		return false, nil
	}
	m.records[rec.ID] = PrepareForPut(rec, m.opts.Now(), m.opts.TerminalTTL)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookupLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, message string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookupLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := ApplyTransition(rec, to, message, m.opts.Now(), m.opts.TerminalTTL)
	if err != nil {
		return Record{}, err
	}
	m.records[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Retry(_ context.Context, id string, message string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lookupLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := ApplyRetry(rec, message, m.opts.Now())
	if err != nil {
		return Record{}, err
	}
	m.records[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Clear(_ context.Context, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	var removed int64
	for id, rec := range m.records {
		if filter.Matches(rec.Status) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) List(_ context.Context, r Range) ([]Record, error) {
	m.mu.Lock()
	m.pruneLocked()
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec.Clone())
	}
	m.mu.Unlock()
	SortNewestFirst(records)
	return Page(records, r), nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return int64(len(m.records)), nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) lookupLocked(id string) (Record, bool) {
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	if rec.Expired(m.opts.Now()) {
		delete(m.records, id)
		return Record{}, false
	}
	return rec, true
}

// PurgeExpired drops expired records and reports how many went.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(), nil
}

func (m *MemoryStore) pruneLocked() int64 {
	now := m.opts.Now()
	var removed int64
	for id, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}
