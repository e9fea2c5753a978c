// Package redis provides a Redis-backed key-value store shared by all
// gate instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotagate/ports"
	goredis "github.com/redis/go-redis/v9"
)

// incrementBelow increments KEYS[1] only while it is below ARGV[1] and
// sets a PEXPIRE of ARGV[2] ms when the key is created.
var incrementBelow = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 and tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {current, 1}
`)

// Config configures the Redis connection.
type Config struct {
	URL          string // redis://[:password@]host:port/db
	KeyPrefix    string // optional namespace prepended to every key
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KVStore implements ports.KVStore and ports.CounterStore on Redis.
type KVStore struct {
	client *goredis.Client
	prefix string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*KVStore, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	opts.DialTimeout = durationOr(cfg.DialTimeout, 5*time.Second)
	opts.ReadTimeout = durationOr(cfg.ReadTimeout, 3*time.Second)
	opts.WriteTimeout = durationOr(cfg.WriteTimeout, 3*time.Second)

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client.
func New(client *goredis.Client, prefix string) *KVStore {
	return &KVStore{client: client, prefix: prefix}
}

func (s *KVStore) key(k string) string {
	return s.prefix + k
}

// Get returns the value for key.
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Put stores value. A ttl of 0 stores without expiry.
func (s *KVStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// IncrementBelow runs the bounded increment as one server-side script.
func (s *KVStore) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := incrementBelow.Run(ctx, s.client, []string{s.key(key)}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis increment: unexpected reply %v", res)
	}
	return res[0], res[1] == 1, nil
}

// Ping checks connectivity.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *KVStore) Close() error {
	return s.client.Close()
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

var (
	_ ports.KVStore      = (*KVStore)(nil)
	_ ports.CounterStore = (*KVStore)(nil)
	_ ports.Pinger       = (*KVStore)(nil)
)
