package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresIdempotencyStore keeps idempotent responses across restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

// Migrate creates the idempotency_keys table if it does not exist.
func (s *PostgresIdempotencyStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		body BYTEA NOT NULL,
		cached_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("idempotency migrate: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	var resp CachedResponse
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1 AND cached_at > $2`,
		key, s.now().Add(-s.ttl),
	).Scan(&resp.StatusCode, &resp.Body, &resp.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	return &resp, true, nil
}

func (s *PostgresIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) error {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, body, cached_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET status_code = EXCLUDED.status_code, body = EXCLUDED.body, cached_at = EXCLUDED.cached_at`,
		key, resp.StatusCode, resp.Body, resp.CachedAt,
	)
	if err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

// Prune removes keys older than the TTL.
func (s *PostgresIdempotencyStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, s.now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("idempotency prune: %w", err)
	}
	return res.RowsAffected()
}
