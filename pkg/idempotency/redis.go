package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morezero/islandgate/pkg/protocol"
)

const redisLogPrefix = "idempotency:redis"

// pendingMarker is stored while a claim is held.
const pendingMarker = `{"pending":true}`

// releaseScript deletes the key only while it still holds the pending marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// deleteScript deletes the key unless it holds the pending marker.
var deleteScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and v ~= ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps records in Redis and relies on key TTLs for expiry.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are namespaced with prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - Get failed: %w", redisLogPrefix, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("%s - Get decode failed: %w", redisLogPrefix, err)
	}
	if rec.Pending {
		return nil, false, nil
	}
	rec.Key = key
	return &rec, true, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, result protocol.Result, ttl time.Duration) error {
	raw, err := json.Marshal(Record{Key: key, Result: result, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("%s - Put encode failed: %w", redisLogPrefix, err)
	}
	if err := s.rdb.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%s - Put failed: %w", redisLogPrefix, err)
	}
	return nil
}

// Claim implements Store using SET NX.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), pendingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s - Claim failed: %w", redisLogPrefix, err)
	}
	return ok, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(key)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s - Release failed: %w", redisLogPrefix, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := deleteScript.Run(ctx, s.rdb, []string{s.key(key)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s - Delete failed: %w", redisLogPrefix, err)
	}
	return nil
}

// Sweep implements Store. Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}
