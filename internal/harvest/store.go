package harvest

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"harvester/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrPathConflict is returned when a rename targets a path another item
// already holds.
var ErrPathConflict = errors.New("harvest path already tracked")

const itemColumns = "id, harvest_id, path, state, file_deleted, job_id, size_bytes, error_message, created_at, updated_at"

// Store persists harvest items in SQLite. Every state change is a single
// conditional statement, so the machine and the final hook of a processing
// job can race without losing either write.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore migrates db and returns a store on it. The caller keeps
// ownership of db.
func OpenStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("harvest store: nil database")
	}
	if err := storage.Migrate(ctx, db, "harvest", migrationFS, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate harvest store: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item        Item
		state       string
		fileDeleted int
		jobID       sql.NullString
		errMsg      sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&item.ID,
		&item.HarvestID,
		&item.Path,
		&state,
		&fileDeleted,
		&jobID,
		&item.SizeBytes,
		&errMsg,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	item.State = State(state)
	item.FileDeleted = fileDeleted != 0
	item.JobID = jobID.String
	item.ErrorMessage = errMsg.String
	item.CreatedAt = storage.FromUnixNano(createdAt)
	item.UpdatedAt = storage.FromUnixNano(updatedAt)
	return &item, nil
}

func (s *Store) queryOne(ctx context.Context, what, where string, args ...any) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM harvest_items WHERE `+where, args...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return item, nil
}

// GetByID returns the item with id, or nil when none exists.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	return s.queryOne(ctx, "get item", `id = ?`, id)
}

// Find returns the item at loc, or nil when none exists.
func (s *Store) Find(ctx context.Context, loc Location) (*Item, error) {
	return s.queryOne(ctx, "find item", `harvest_id = ? AND path = ?`, loc.HarvestID, loc.Path)
}

// FindByJobID returns the item whose processing job is jobID, or nil.
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*Item, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, nil
	}
	return s.queryOne(ctx, "find item by job", `job_id = ? ORDER BY id LIMIT 1`, jobID)
}

// FindOrCreate returns the item at loc, inserting it in state new when
// absent. created reports whether this call inserted it.
func (s *Store) FindOrCreate(ctx context.Context, loc Location) (item *Item, created bool, err error) {
	now := storage.UnixNano(s.now())
	res, err := storage.ExecWithRetry(ctx, s.db,
		`INSERT INTO harvest_items (harvest_id, path, state, file_deleted, size_bytes, created_at, updated_at)
         VALUES (?, ?, ?, 0, 0, ?, ?)
         ON CONFLICT(harvest_id, path) DO NOTHING`,
		loc.HarvestID, loc.Path, StateNew, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	item, err = s.Find(ctx, loc)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, fmt.Errorf("item %s/%s vanished after insert", loc.HarvestID, loc.Path)
	}
	return item, affected > 0, nil
}

// exec runs a conditional update and reports whether a row changed.
func (s *Store) exec(ctx context.Context, what, query string, args ...any) (bool, error) {
	res, err := storage.ExecWithRetry(ctx, s.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", what, err)
	}
	return affected > 0, nil
}

// RecordMetadata stores the probed size and moves a new item to
// metadata_gathered.
func (s *Store) RecordMetadata(ctx context.Context, id int64, sizeBytes int64) (bool, error) {
	return s.exec(ctx, "record metadata",
		`UPDATE harvest_items SET state = ?, size_bytes = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		StateMetadataGathered, sizeBytes, storage.UnixNano(s.now()), id, StateNew,
	)
}

// MarkProcessing moves an item that has not started processing to
// processing and stores its job id.
func (s *Store) MarkProcessing(ctx context.Context, id int64, jobID string) (bool, error) {
	return s.exec(ctx, "mark processing",
		`UPDATE harvest_items SET state = ?, job_id = ?, updated_at = ?
         WHERE id = ? AND state IN (?, ?)`,
		StateProcessing, storage.NullableString(jobID), storage.UnixNano(s.now()), id, StateNew, StateMetadataGathered,
	)
}

// Finish moves a not yet final item to completed or failed.
func (s *Store) Finish(ctx context.Context, id int64, state State, jobID, errorMessage string) (bool, error) {
	if !state.IsFinal() {
		return false, fmt.Errorf("finish item %d: %q is not a final state", id, state)
	}
	return s.exec(ctx, "finish item",
		`UPDATE harvest_items SET state = ?, job_id = COALESCE(?, job_id), error_message = ?, updated_at = ?
         WHERE id = ? AND state NOT IN (?, ?)`,
		state, storage.NullableString(jobID), storage.NullableString(errorMessage), storage.UnixNano(s.now()),
		id, StateCompleted, StateFailed,
	)
}

// SetFileDeleted sets or clears the deleted flag.
func (s *Store) SetFileDeleted(ctx context.Context, id int64, deleted bool) (bool, error) {
	return s.exec(ctx, "set file deleted",
		`UPDATE harvest_items SET file_deleted = ?, updated_at = ? WHERE id = ? AND file_deleted <> ?`,
		storage.BoolToInt(deleted), storage.UnixNano(s.now()), id, storage.BoolToInt(deleted),
	)
}

// DeleteNew removes an item only while it is still new.
func (s *Store) DeleteNew(ctx context.Context, id int64) (bool, error) {
	return s.exec(ctx, "delete item",
		`DELETE FROM harvest_items WHERE id = ? AND state = ?`, id, StateNew)
}

// Move relocates an item in place, keeping its state.
func (s *Store) Move(ctx context.Context, id int64, to Location) error {
	existing, err := s.Find(ctx, to)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != id {
		return fmt.Errorf("%w: %s/%s", ErrPathConflict, to.HarvestID, to.Path)
	}
	_, err = s.exec(ctx, "move item",
		`UPDATE harvest_items SET harvest_id = ?, path = ?, updated_at = ? WHERE id = ?`,
		to.HarvestID, to.Path, storage.UnixNano(s.now()), id,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s/%s", ErrPathConflict, to.HarvestID, to.Path)
	}
	return err
}

// List returns the items of harvestID, or of every harvest when harvestID is
// empty, filtered to states when any are given.
func (s *Store) List(ctx context.Context, harvestID string, states ...State) ([]*Item, error) {
	var (
		clauses []string
		args    []any
	)
	if harvestID != "" {
		clauses = append(clauses, "harvest_id = ?")
		args = append(args, harvestID)
	}
	if len(states) > 0 {
		clauses = append(clauses, "state IN ("+storage.Placeholders(len(states))+")")
		for _, st := range states {
			args = append(args, st)
		}
	}
	query := `SELECT ` + itemColumns + ` FROM harvest_items`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list harvest items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Summary counts items per state.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	summary := Summary{StateCounts: make(map[State]int, len(allStates))}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*), COALESCE(SUM(file_deleted), 0) FROM harvest_items GROUP BY state`)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize harvest items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state   string
			count   int
			deleted int
		)
		if err := rows.Scan(&state, &count, &deleted); err != nil {
			return Summary{}, err
		}
		summary.StateCounts[State(state)] = count
		summary.Total += count
		summary.Deleted += deleted
	}
	return summary, rows.Err()
}
