// Package pgstore implements status.Store on PostgreSQL with pgx.
//
// The layout mirrors sqlitestore: a version column guards every update, and
// expires_at hides terminal rows once their TTL has passed until PurgeExpired
// deletes them.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"harvester/internal/status"
)

const (
	casAttempts  = 8
	defaultTable = "status_records"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Option configures the Store.
type Option func(*Store)

// WithTable stores records in the named table instead of status_records.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// Store is a status.Store backed by PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	table     string
	opts      status.Options
	ownsPool  bool
	columns   string
	selectSQL string
}

var _ status.Store = (*Store)(nil)

// New creates the table if needed and returns a store on pool. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts status.Options, options ...Option) (*Store, error) {
	s := &Store{pool: pool, table: defaultTable, opts: opts.WithDefaults()}
	for _, o := range options {
		o(s)
	}
	if !identifierPattern.MatchString(s.table) {
		return nil, fmt.Errorf("pgstore: invalid table name %q", s.table)
	}
	s.columns = "id, status, messages, owning_class, queue, retries, args, ttl_applied, expires_at, created_at, updated_at, version"
	s.selectSQL = "SELECT " + s.columns + " FROM " + s.table
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect parses dsn, opens a pool, and returns a store that closes it.
func Connect(ctx context.Context, dsn string, opts status.Options, options ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s, err := New(ctx, pool, opts, options...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{table}}", s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Close closes the pool when the store opened it.
func (s *Store) Close() error {
	if s == nil || s.pool == nil || !s.ownsPool {
		return nil
	}
	s.pool.Close()
	return nil
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
	query := `INSERT INTO ` + s.table + ` (` + s.columns + `)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
         ON CONFLICT (id) DO UPDATE SET
             status = EXCLUDED.status,
             messages = EXCLUDED.messages,
             owning_class = EXCLUDED.owning_class,
             queue = EXCLUDED.queue,
             retries = EXCLUDED.retries,
             args = EXCLUDED.args,
             ttl_applied = EXCLUDED.ttl_applied,
             expires_at = EXCLUDED.expires_at,
             created_at = EXCLUDED.created_at,
             updated_at = EXCLUDED.updated_at,
             version = ` + s.table + `.version + 1`
	args := []any{
		rec.ID, string(rec.Status), rec.Messages, rec.OwningClass, rec.Queue, rec.Retries,
		nullableJSON(rec.Args), rec.TTLApplied, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	}
	if guarded {
		terminal := status.TerminalStatuses()
		names := make([]string, len(terminal))
		for i, st := range terminal {
			names[i] = string(st)
		}
		query += `
         WHERE ` + s.table + `.status = ANY($12)
            OR (` + s.table + `.expires_at IS NOT NULL AND ` + s.table + `.expires_at <= $13)`
		args = append(args, names, now)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
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
		tag, err := s.pool.Exec(ctx,
			`UPDATE `+s.table+`
             SET status = $1, messages = $2, retries = $3, ttl_applied = $4, expires_at = $5, updated_at = $6, version = version + 1
             WHERE id = $7 AND version = $8`,
			string(next.Status), next.Messages, next.Retries, next.TTLApplied, next.ExpiresAt, next.UpdatedAt, id, version,
		)
		if err != nil {
			return status.Record{}, fmt.Errorf("update status record %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			return next, nil
		}
	}
	return status.Record{}, fmt.Errorf("update status record %s: too much contention", id)
}

func (s *Store) load(ctx context.Context, id string) (status.Record, int64, error) {
	row := s.pool.QueryRow(ctx,
		s.selectSQL+` WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		id, s.opts.Now(),
	)
	rec, version, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return status.Record{}, 0, fmt.Errorf("%w: %s", status.ErrNotFound, id)
	}
	if err != nil {
		return status.Record{}, 0, fmt.Errorf("get status record %s: %w", id, err)
	}
	return rec, version, nil
}

func (s *Store) Clear(ctx context.Context, filter status.Filter) (int64, error) {
	query := `DELETE FROM ` + s.table + ` WHERE (expires_at IS NULL OR expires_at > $1)`
	args := []any{s.opts.Now()}
	if len(filter.Statuses) > 0 {
		names := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear status records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) List(ctx context.Context, r status.Range) ([]status.Record, error) {
	offset := r.Offset
	if offset < 0 {
		offset = 0
	}
	var limit any
	if r.Limit > 0 {
		limit = r.Limit
	}
	rows, err := s.pool.Query(ctx,
		s.selectSQL+` WHERE expires_at IS NULL OR expires_at > $1
         ORDER BY created_at DESC, id ASC
         LIMIT $2 OFFSET $3`,
		s.opts.Now(), limit, offset,
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
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM `+s.table+` WHERE expires_at IS NULL OR expires_at > $1`,
		s.opts.Now(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count status records: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.opts.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired status records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (status.Record, int64, error) {
	var (
		rec       status.Record
		statusStr string
		args      []byte
		expiresAt *time.Time
		version   int64
	)
	if err := row.Scan(
		&rec.ID,
		&statusStr,
		&rec.Messages,
		&rec.OwningClass,
		&rec.Queue,
		&rec.Retries,
		&args,
		&rec.TTLApplied,
		&expiresAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&version,
	); err != nil {
		return status.Record{}, 0, err
	}
	rec.Status = status.Status(statusStr)
	if len(args) > 0 {
		rec.Args = json.RawMessage(args)
	}
	if rec.Messages == nil {
		rec.Messages = []string{}
	}
	if expiresAt != nil {
		utc := expiresAt.UTC()
		rec.ExpiresAt = &utc
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, version, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
