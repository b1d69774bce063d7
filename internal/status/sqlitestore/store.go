// Package sqlitestore implements status.Store on SQLite.
//
// Writes use optimistic concurrency: every row carries a version, and updates
// only land when the version read is still current. A lost race re-reads the
// row and re-applies the transition rules, so a second worker trying the same
// forward move sees status.ErrInvalidTransition. Expired rows are hidden from
// reads and removed by PurgeExpired.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"harvester/internal/status"
	"harvester/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const casAttempts = 8

const recordColumns = "id, status, messages, owning_class, queue, retries, args, ttl_applied, expires_at, created_at, updated_at, version"

// Store is a status.Store backed by a SQLite table.
type Store struct {
	db     *sql.DB
	opts   status.Options
	ownsDB bool
}

var _ status.Store = (*Store)(nil)

// New migrates db and returns a store on it. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, opts status.Options) (*Store, error) {
	if err := storage.Migrate(ctx, db, "status", migrationFS, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate status store: %w", err)
	}
	return &Store{db: db, opts: opts.WithDefaults()}, nil
}

// Open opens the database at path and returns a store that closes it.
func Open(ctx context.Context, path string, opts status.Options) (*Store, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	store, err := New(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, rec status.Record) error {
	if rec.ID == "" {
		return errors.New("put status record: empty id")
	}
	if _, err := s.upsert(ctx, rec, false); err != nil {
		return fmt.Errorf("put status record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec status.Record) (bool, error) {
	if rec.ID == "" {
		return false, errors.New("create status record: empty id")
	}
	created, err := s.upsert(ctx, rec, true)
	if err != nil {
		return false, fmt.Errorf("create status record %s: %w", rec.ID, err)
	}
	return created, nil
}

// upsert writes rec. When guarded, an existing row is only replaced if it is
// terminal or expired.
func (s *Store) upsert(ctx context.Context, rec status.Record, guarded bool) (bool, error) {
	now := s.opts.Now()
	rec = status.PrepareForPut(rec, now, s.opts.TerminalTTL)
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return false, fmt.Errorf("encode messages: %w", err)
	}
	query := `INSERT INTO status_records (` + recordColumns + `)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
         ON CONFLICT(id) DO UPDATE SET
             status = excluded.status,
             messages = excluded.messages,
             owning_class = excluded.owning_class,
             queue = excluded.queue,
             retries = excluded.retries,
             args = excluded.args,
             ttl_applied = excluded.ttl_applied,
             expires_at = excluded.expires_at,
             created_at = excluded.created_at,
             updated_at = excluded.updated_at,
             version = status_records.version + 1`
	args := []any{
		rec.ID,
		string(rec.Status),
		string(messages),
		rec.OwningClass,
		rec.Queue,
		rec.Retries,
		storage.NullableString(string(rec.Args)),
		storage.BoolToInt(rec.TTLApplied),
		storage.NullableUnixNano(rec.ExpiresAt),
		storage.UnixNano(rec.CreatedAt),
		storage.UnixNano(rec.UpdatedAt),
	}
	if guarded {
		terminal := status.TerminalStatuses()
		query += `
         WHERE status_records.status IN (` + storage.Placeholders(len(terminal)) + `)
            OR (status_records.expires_at IS NOT NULL AND status_records.expires_at <= ?)`
		for _, st := range terminal {
			args = append(args, string(st))
		}
		args = append(args, storage.UnixNano(now))
	}
	res, err := storage.ExecWithRetry(ctx, s.db, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) Get(ctx context.Context, id string) (status.Record, error) {
	rec, _, err := s.load(ctx, id)
	return rec, err
}

func (s *Store) Transition(ctx context.Context, id string, to status.Status, message string) (status.Record, error) {
	return s.update(ctx, id, func(rec status.Record) (status.Record, error) {
		return status.ApplyTransition(rec, to, message, s.opts.Now(), s.opts.TerminalTTL)
	})
}

func (s *Store) Retry(ctx context.Context, id string, message string) (status.Record, error) {
	return s.update(ctx, id, func(rec status.Record) (status.Record, error) {
		return status.ApplyRetry(rec, message, s.opts.Now())
	})
}

func (s *Store) Clear(ctx context.Context, filter status.Filter) (int64, error) {
	query := `DELETE FROM status_records WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{storage.UnixNano(s.opts.Now())}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + storage.Placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	res, err := storage.ExecWithRetry(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear status records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) List(ctx context.Context, r status.Range) ([]status.Record, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := r.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM status_records
         WHERE expires_at IS NULL OR expires_at > ?
         ORDER BY created_at DESC, id ASC
         LIMIT ? OFFSET ?`,
		storage.UnixNano(s.opts.Now()), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list status records: %w", err)
	}
	defer rows.Close()

	records := make([]status.Record, 0)
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM status_records WHERE expires_at IS NULL OR expires_at > ?`,
		storage.UnixNano(s.opts.Now()),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count status records: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes rows whose expiry has passed and reports how many.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := storage.ExecWithRetry(ctx, s.db,
		`DELETE FROM status_records WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		storage.UnixNano(s.opts.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired status records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) update(ctx context.Context, id string, apply func(status.Record) (status.Record, error)) (status.Record, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, version, err := s.load(ctx, id)
		if err != nil {
			return status.Record{}, err
		}
		next, err := apply(current)
		if err != nil {
			return status.Record{}, err
		}
		messages, err := json.Marshal(next.Messages)
		if err != nil {
			return status.Record{}, fmt.Errorf("encode messages: %w", err)
		}
		res, err := storage.ExecWithRetry(ctx, s.db,
			`UPDATE status_records
             SET status = ?, messages = ?, retries = ?, ttl_applied = ?, expires_at = ?, updated_at = ?, version = version + 1
             WHERE id = ? AND version = ?`,
			string(next.Status),
			string(messages),
			next.Retries,
			storage.BoolToInt(next.TTLApplied),
			storage.NullableUnixNano(next.ExpiresAt),
			storage.UnixNano(next.UpdatedAt),
			id,
			version,
		)
		if err != nil {
			return status.Record{}, fmt.Errorf("update status record %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return status.Record{}, err
		}
		if affected == 1 {
			return next, nil
		}
	}
	return status.Record{}, fmt.Errorf("update status record %s: too much contention", id)
}

func (s *Store) load(ctx context.Context, id string) (status.Record, int64, error) {
	var (
		rec     status.Record
		version int64
	)
	err := storage.RetryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM status_records
             WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
			id, storage.UnixNano(s.opts.Now()),
		)
		var scanErr error
		rec, version, scanErr = scanRecord(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return status.Record{}, 0, fmt.Errorf("%w: %s", status.ErrNotFound, id)
	}
	if err != nil {
		return status.Record{}, 0, fmt.Errorf("get status record %s: %w", id, err)
	}
	return rec, version, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (status.Record, int64, error) {
	var (
		rec        status.Record
		statusStr  string
		messages   string
		args       sql.NullString
		ttlApplied int64
		expiresAt  sql.NullInt64
		createdAt  int64
		updatedAt  int64
		version    int64
	)
	if err := scanner.Scan(
		&rec.ID,
		&statusStr,
		&messages,
		&rec.OwningClass,
		&rec.Queue,
		&rec.Retries,
		&args,
		&ttlApplied,
		&expiresAt,
		&createdAt,
		&updatedAt,
		&version,
	); err != nil {
		return status.Record{}, 0, err
	}
	rec.Status = status.Status(statusStr)
	if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
		return status.Record{}, 0, fmt.Errorf("decode messages: %w", err)
	}
	if args.Valid {
		rec.Args = json.RawMessage(args.String)
	}
	rec.TTLApplied = ttlApplied != 0
	rec.ExpiresAt = storage.FromNullUnixNano(expiresAt)
	rec.CreatedAt = storage.FromUnixNano(createdAt)
	rec.UpdatedAt = storage.FromUnixNano(updatedAt)
	return rec, version, nil
}
