package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/quotagate/ports"
)

// KVStore implements ports.KVStore and ports.CounterStore on the kv table.
// Expiry is evaluated against the injected clock on every read; Sweep
// deletes expired rows.
type KVStore struct {
	db    *DB
	clock ports.Clock
}

// NewKVStore creates a store on a migrated database.
func NewKVStore(db *DB, clock ports.Clock) *KVStore {
	return &KVStore{db: db, clock: clock}
}

// Get returns the live value for key.
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get: %w", err)
	}
	return value, true, nil
}

// Put upserts value. A ttl of 0 stores without expiry.
func (s *KVStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// IncrementBelow performs the bounded increment in a single upsert
// statement. Expired counters restart at 1 with a fresh ttl.
func (s *KVStore) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	if limit <= 0 {
		n, err := s.counter(ctx, key)
		return n, false, err
	}

	now := s.nowMillis()
	var value string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?1, '1', ?2)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN kv.expires_at != 0 AND kv.expires_at <= ?3
				THEN '1'
				ELSE CAST(CAST(kv.value AS INTEGER) + 1 AS TEXT) END,
			expires_at = CASE WHEN kv.expires_at != 0 AND kv.expires_at <= ?3
				THEN excluded.expires_at
				ELSE kv.expires_at END
		WHERE (kv.expires_at != 0 AND kv.expires_at <= ?3)
			OR CAST(kv.value AS INTEGER) < ?4
		RETURNING value
	`, key, s.expiry(ttl), now, limit).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		n, err := s.counter(ctx, key)
		return n, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite increment: %w", err)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite increment: counter %q: %w", value, err)
	}
	return n, true, nil
}

func (s *KVStore) counter(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlite counter %q: %w", v, err)
	}
	return n, nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *KVStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("sqlite sweep: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *KVStore) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *KVStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixMilli()
}

var (
	_ ports.KVStore      = (*KVStore)(nil)
	_ ports.CounterStore = (*KVStore)(nil)
	_ ports.Pinger       = (*KVStore)(nil)
)
