package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/morezero/islandgate/pkg/protocol"
)

const memoryLogPrefix = "idempotency:memory"

const defaultShards = 32

type shard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// MemoryStore is an in-process Store. Keys are spread over shards by xxhash
// so concurrent workers rarely contend on the same lock.
type MemoryStore struct {
	shards []*shard
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithShards sets the number of shards.
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = makeShards(n)
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		shards: makeShards(defaultShards),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func makeShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{records: make(map[string]*Record)}
	}
	return out
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok || rec.Pending || rec.Expired(s.now()) {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, result protocol.Result, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.records[key] = &Record{Key: key, Result: result, ExpiresAt: s.now().Add(ttl)}
	return nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if rec, ok := sh.records[key]; ok && !rec.Expired(now) {
		return false, nil
	}
	sh.records[key] = &Record{Key: key, Pending: true, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok && rec.Pending {
		delete(sh.records, key)
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok && !rec.Pending {
		delete(sh.records, key)
	}
	return nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.Expired(now) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of records, expired ones included.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor sweeps expired records every interval until Close.
func (s *MemoryStore) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n, _ := s.Sweep(context.Background()); n > 0 {
					slog.Debug(fmt.Sprintf("%s - swept %d expired records", memoryLogPrefix, n))
				}
			}
		}
	}()
}

// Close stops the janitor, if running.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}
