// Package idempotency caches the results of mutating operations by a
// derived key so replays within the TTL return the first result instead of
// applying the operation again.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/morezero/islandgate/pkg/protocol"
)

// Record is one cached outcome. A Pending record is a claim held by a
// router that is still computing the result.
type Record struct {
	Key       string          `json:"key"`
	Result    protocol.Result `json:"result"`
	Pending   bool            `json:"pending"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the record is past its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store is shared keyed storage for idempotency records. Implementations
// must be safe for concurrent use; Claim must be atomic set-if-absent.
type Store interface {
	// Get returns the completed record for key. Pending and expired records
	// are reported as absent.
	Get(ctx context.Context, key string) (*Record, bool, error)
	// Put stores a completed result, replacing any pending claim.
	Put(ctx context.Context, key string, result protocol.Result, ttl time.Duration) error
	// Claim atomically marks key as in flight. It returns false when a live
	// claim or completed record already exists.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a pending claim without touching completed records.
	Release(ctx context.Context, key string) error
	// Delete drops a completed record so the next request with key runs
	// again. Pending claims are left alone.
	Delete(ctx context.Context, key string) error
	// Sweep removes expired records and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Key derives the storage key for an operation from the acting identity and
// the semantically relevant part of the payload.
func Key(op, actor, part string) string {
	return fmt.Sprintf("%s:%s:%016x", op, actor, xxhash.Sum64String(part))
}
