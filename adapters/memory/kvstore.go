// Package memory provides in-process implementations of the storage and
// identity ports, for development and single-instance deployments.
package memory

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/artpar/quotagate/ports"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type kvShard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// KVStore is a sharded in-memory key-value store with per-key expiry.
// Expired keys are invisible immediately and swept periodically.
type KVStore struct {
	shards  []*kvShard
	clock   ports.Clock
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// KVConfig configures the store.
type KVConfig struct {
	NumShards       int           // default 32
	CleanupInterval time.Duration // default 1m
}

// NewKVStore creates a store and starts its sweeper. Call Close to stop it.
func NewKVStore(clock ports.Clock, cfg KVConfig) *KVStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &KVStore{
		shards:  make([]*kvShard, cfg.NumShards),
		clock:   clock,
		cleanup: time.NewTicker(cfg.CleanupInterval),
		done:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &kvShard{entries: make(map[string]entry)}
	}

	go s.cleanupLoop()
	return s
}

func (s *KVStore) shard(key string) *kvShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the live value for key.
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(s.clock.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Put stores value with an optional ttl.
func (s *KVStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

// IncrementBelow atomically increments the counter at key while it is
// below limit. The ttl is set only when the counter is created.
func (s *KVStore) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(s.clock.Now()) {
		e = entry{value: "0", expiresAt: s.expiry(ttl)}
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	if n >= limit {
		return n, false, nil
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	sh.entries[key] = e
	return n, true, nil
}

// Ping always succeeds.
func (s *KVStore) Ping(ctx context.Context) error {
	return nil
}

func (s *KVStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *KVStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep removes expired entries and returns how many were removed.
func (s *KVStore) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (s *KVStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Close stops the sweeper.
func (s *KVStore) Close() error {
	s.once.Do(func() {
		s.cleanup.Stop()
		close(s.done)
	})
	return nil
}

var (
	_ ports.KVStore      = (*KVStore)(nil)
	_ ports.CounterStore = (*KVStore)(nil)
	_ ports.Pinger       = (*KVStore)(nil)
)
