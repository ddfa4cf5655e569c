package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps hit lists in the rate_limits table. Each update locks
// the identifier's row for the duration of its transaction.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. The schema is created by database.EnsureSchema.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, key string) ([]int64, error) {
	var hits []int64
	err := s.db.QueryRow(ctx, `SELECT hits FROM rate_limits WHERE key=$1`, hashKey(key)).Scan(&hits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select rate limit row: %w", err)
	}
	return hits, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, key string, fn func([]int64) []int64) (hits []int64, err error) {
	k := hashKey(key)
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO rate_limits (key, hits, updated_at) VALUES ($1, '{}', $2)
		ON CONFLICT (key) DO NOTHING
	`, k, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("insert rate limit row: %w", err)
	}
	if err = tx.QueryRow(ctx, `SELECT hits FROM rate_limits WHERE key=$1 FOR UPDATE`, k).Scan(&hits); err != nil {
		return nil, fmt.Errorf("select rate limit row: %w", err)
	}

	hits = fn(hits)
	if hits == nil {
		hits = []int64{}
	}
	if _, err = tx.Exec(ctx, `UPDATE rate_limits SET hits=$1, updated_at=$2 WHERE key=$3`, hits, s.now().UTC(), k); err != nil {
		return nil, fmt.Errorf("update rate limit row: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rate limit tx: %w", err)
	}
	return hits, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM rate_limits WHERE key=$1`, hashKey(key)); err != nil {
		return fmt.Errorf("delete rate limit row: %w", err)
	}
	return nil
}

// Cleanup implements Store.
func (s *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM rate_limits WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale rate limit rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
