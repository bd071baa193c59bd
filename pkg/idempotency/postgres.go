package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/islandgate/pkg/protocol"
)

const postgresLogPrefix = "idempotency:postgres"

// PostgresStore keeps records in the idempotency_records table so several
// router processes can share one cache. Results are stored as the exact
// encoded bytes so a replay carries the same data as the first response.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a PostgresStore over an existing pool. The schema
// is created by the db package migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	var (
		raw       []byte
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT result, expires_at
		 FROM idempotency_records
		 WHERE key = $1 AND NOT pending AND expires_at > $2`, key, s.now(),
	).Scan(&raw, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - Get failed: %w", postgresLogPrefix, err)
	}

	var result protocol.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("%s - Get decode failed: %w", postgresLogPrefix, err)
	}
	return &Record{Key: key, Result: result, ExpiresAt: expiresAt}, true, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, result protocol.Result, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%s - Put encode failed: %w", postgresLogPrefix, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO idempotency_records (key, pending, result, expires_at)
		 VALUES ($1, false, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   pending = false,
		   result = EXCLUDED.result,
		   expires_at = EXCLUDED.expires_at`,
		key, raw, s.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("%s - Put failed: %w", postgresLogPrefix, err)
	}
	return nil
}

// Claim implements Store. The conditional upsert only takes over rows that
// have already expired, which makes the claim atomic across processes.
func (s *PostgresStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	var claimed string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO idempotency_records (key, pending, result, expires_at)
		 VALUES ($1, true, NULL, $2)
		 ON CONFLICT (key) DO UPDATE SET
		   pending = true,
		   result = NULL,
		   expires_at = EXCLUDED.expires_at
		 WHERE idempotency_records.expires_at <= $3
		 RETURNING key`,
		key, now.Add(ttl), now,
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s - Claim failed: %w", postgresLogPrefix, err)
	}
	return true, nil
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND pending`, key); err != nil {
		return fmt.Errorf("%s - Release failed: %w", postgresLogPrefix, err)
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND NOT pending`, key); err != nil {
		return fmt.Errorf("%s - Delete failed: %w", postgresLogPrefix, err)
	}
	return nil
}

// Sweep implements Store.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("%s - Sweep failed: %w", postgresLogPrefix, err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		slog.Debug(fmt.Sprintf("%s - swept %d expired records", postgresLogPrefix, n))
	}
	return n, nil
}
