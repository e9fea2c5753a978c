package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/artpar/quotagate/ports"
)

// RateLimiter enforces a fixed per-user request window backed by the
// key-value store. Counters expire on their own after two windows.
type RateLimiter struct {
	store   ports.KVStore
	counter ports.CounterStore
	cfg     ratelimit.Config
	clock   ports.Clock
}

// NewRateLimiter creates a rate limiter. When store also implements
// ports.CounterStore, windows are counted with its atomic increment;
// otherwise with a plain read followed by a write.
func NewRateLimiter(store ports.KVStore, cfg ratelimit.Config, clock ports.Clock) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = ratelimit.DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = ratelimit.DefaultWindow
	}
	r := &RateLimiter{store: store, cfg: cfg, clock: clock}
	if c, ok := store.(ports.CounterStore); ok {
		r.counter = c
	}
	return r
}

// Config returns the effective window configuration.
func (r *RateLimiter) Config() ratelimit.Config {
	return r.cfg
}

// CheckAndIncrement counts one request for userID in the current window.
// Rejected requests are not counted. Storage failures are returned as
// *StorageError; the caller decides the failure policy.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, userID string) (ratelimit.Decision, error) {
	now := r.clock.Now()
	key := ratelimit.Key(userID, ratelimit.Bucket(now, r.cfg.Window))

	if r.counter != nil {
		count, incremented, err := r.counter.IncrementBelow(ctx, key, int64(r.cfg.Limit), r.cfg.TTL())
		if err != nil {
			return ratelimit.Decision{}, &StorageError{Op: "increment", Key: key, Err: err}
		}
		if incremented {
			return ratelimit.Check(int(count)-1, r.cfg, now), nil
		}
		return ratelimit.Check(int(count), r.cfg, now), nil
	}

	count, err := r.current(ctx, key)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	decision := ratelimit.Check(count, r.cfg, now)
	if !decision.Allowed {
		return decision, nil
	}
	if err := r.store.Put(ctx, key, strconv.Itoa(count+1), r.cfg.TTL()); err != nil {
		return ratelimit.Decision{}, &StorageError{Op: "put", Key: key, Err: err}
	}
	return decision, nil
}

func (r *RateLimiter) current(ctx context.Context, key string) (int, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return 0, &StorageError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return 0, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0, &StorageError{Op: "decode", Key: key, Err: fmt.Errorf("invalid counter %q", raw)}
	}
	return count, nil
}
