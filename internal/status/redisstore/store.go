// Package redisstore implements status.Store on Redis.
//
// Each record is a JSON string under <prefix>:job:<id>. Terminal records get
// a native key expiry. Two sorted sets back the query surface: <prefix>:jobs
// scores ids by creation time and <prefix>:expiry scores terminal ids by
// expiry, so List and Count can drop expired members before answering.
// Transitions are WATCH/MULTI compare-and-set loops.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"harvester/internal/status"
)

const casAttempts = 8

// Store is a status.Store backed by Redis.
type Store struct {
	client     redis.UniversalClient
	prefix     string
	opts       status.Options
	ownsClient bool

	// beforeClear runs between the Clear scan and each per-key delete.
	beforeClear func(id string)
}

var _ status.Store = (*Store)(nil)

// New wraps an existing client. The caller owns the client lifecycle.
func New(client redis.UniversalClient, prefix string, opts status.Options) *Store {
	if prefix == "" {
		prefix = "harvester"
	}
	return &Store{client: client, prefix: prefix, opts: opts.WithDefaults()}
}

// Dial connects to addr, verifies the server with PING, and returns a store
// that closes the client on Close.
func Dial(ctx context.Context, addr, password string, db int, prefix string, opts status.Options) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis: address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}
	store := New(client, prefix, opts)
	store.ownsClient = true
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.client == nil || !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *Store) indexKey() string        { return s.prefix + ":jobs" }
func (s *Store) expiryKey() string       { return s.prefix + ":expiry" }

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func (s *Store) Put(ctx context.Context, rec status.Record) error {
	if rec.ID == "" {
		return errors.New("put status record: empty id")
	}
	rec = status.PrepareForPut(rec, s.opts.Now(), s.opts.TerminalTTL)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueWrite(ctx, pipe, rec, payload)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(rec.CreatedAt), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put status record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec status.Record) (bool, error) {
	if rec.ID == "" {
		return false, errors.New("create status record: empty id")
	}
	key := s.jobKey(rec.ID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		created := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.read(ctx, tx, rec.ID)
			switch {
			case err == nil && !current.Status.IsTerminal():
				return nil
			case err != nil && !errors.Is(err, status.ErrNotFound):
				return err
			}
			next := status.PrepareForPut(rec, s.opts.Now(), s.opts.TerminalTTL)
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode status record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.queueWrite(ctx, pipe, next, payload)
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(next.CreatedAt), Member: next.ID})
				return nil
			})
			if err == nil {
				created = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("create status record %s: %w", rec.ID, err)
		}
		return created, nil
	}
	return false, fmt.Errorf("create status record %s: too much contention", rec.ID)
}

// queueWrite stores payload with an expiry matching rec's status.
func (s *Store) queueWrite(ctx context.Context, pipe redis.Pipeliner, rec status.Record, payload []byte) {
	if rec.TTLApplied && rec.ExpiresAt != nil {
		pipe.Set(ctx, s.jobKey(rec.ID), payload, s.opts.TerminalTTL)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: score(*rec.ExpiresAt), Member: rec.ID})
		return
	}
	pipe.Set(ctx, s.jobKey(rec.ID), payload, 0)
	pipe.ZRem(ctx, s.expiryKey(), rec.ID)
}

func (s *Store) Get(ctx context.Context, id string) (status.Record, error) {
	return s.read(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) read(ctx context.Context, cmd getter, id string) (status.Record, error) {
	raw, err := cmd.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return status.Record{}, fmt.Errorf("%w: %s", status.ErrNotFound, id)
	}
	if err != nil {
		return status.Record{}, fmt.Errorf("get status record %s: %w", id, err)
	}
	var rec status.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return status.Record{}, fmt.Errorf("decode status record %s: %w", id, err)
	}
	if rec.Expired(s.opts.Now()) {
		return status.Record{}, fmt.Errorf("%w: %s", status.ErrNotFound, id)
	}
	return rec, nil
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
	key := s.jobKey(id)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var next status.Record
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.read(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err = apply(current)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode status record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.queueWrite(ctx, pipe, next, payload)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return status.Record{}, err
		}
		return next, nil
	}
	return status.Record{}, fmt.Errorf("update status record %s: too much contention", id)
}

// prune removes index members whose records have expired by the store clock.
func (s *Store) prune(ctx context.Context) error {
	now := strconv.FormatInt(s.opts.Now().UnixMicro(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("scan expired status records: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}
	keys := make([]string, len(expired))
	members := make([]any, len(expired))
	for i, id := range expired {
		keys[i] = s.jobKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		pipe.ZRem(ctx, s.expiryKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune expired status records: %w", err)
	}
	return nil
}

// PurgeExpired drops expired records and their index entries.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	before, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, err
	}
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	after, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, err
	}
	return before - after, nil
}

func (s *Store) Clear(ctx context.Context, filter status.Filter) (int64, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	records, err := s.fetch(ctx, 0, -1)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, rec := range records {
		if !filter.Matches(rec.Status) {
			continue
		}
		if s.beforeClear != nil {
			s.beforeClear(rec.ID)
		}
		ok, err := s.clearOne(ctx, rec.ID, filter)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// clearOne deletes id if its current status still matches filter. The scan
// in Clear may be stale: Create can replace a terminal record meanwhile.
func (s *Store) clearOne(ctx context.Context, id string, filter status.Filter) (bool, error) {
	key := s.jobKey(id)
	for attempt := 0; attempt < casAttempts; attempt++ {
		deleted := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.read(ctx, tx, id)
			if errors.Is(err, status.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !filter.Matches(current.Status) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.indexKey(), id)
				pipe.ZRem(ctx, s.expiryKey(), id)
				return nil
			})
			if err == nil {
				deleted = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("clear status record %s: %w", id, err)
		}
		return deleted, nil
	}
	return false, fmt.Errorf("clear status record %s: too much contention", id)
}

func (s *Store) List(ctx context.Context, r status.Range) ([]status.Record, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}
	start := int64(r.Offset)
	if start < 0 {
		start = 0
	}
	stop := int64(-1)
	if r.Limit > 0 {
		stop = start + int64(r.Limit) - 1
	}
	return s.fetch(ctx, start, stop)
}

func (s *Store) fetch(ctx context.Context, start, stop int64) ([]status.Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list status records: %w", err)
	}
	records := make([]status.Record, 0, len(ids))
	if len(ids) == 0 {
		return records, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load status records: %w", err)
	}
	now := s.opts.Now()
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Key expired natively before the index was pruned.
			continue
		}
		var rec status.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode status record %s: %w", ids[i], err)
		}
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := s.prune(ctx); err != nil {
		return 0, err
	}
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count status records: %w", err)
	}
	return count, nil
}
