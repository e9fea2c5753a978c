// Package ratelimit provides pure fixed-window rate limiting functions.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"strconv"
	"time"
)

// KeyPrefix namespaces rate window keys in the shared key-value store.
const KeyPrefix = "ratelimit:"

// Defaults
const (
	DefaultLimit  = 100
	DefaultWindow = time.Minute
)

// Reasons for denial
const (
	ReasonLimitExceeded = "rate_limit_exceeded"
)

// Config holds rate limit configuration (value type).
type Config struct {
	Limit  int           // Requests per window
	Window time.Duration // Window duration, wall-clock aligned
}

// DefaultConfig returns 100 requests per minute.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Window: DefaultWindow}
}

// TTL is how long a window's counter is kept: two windows, so a counter
// always outlives the bucket it counts for.
func (c Config) TTL() time.Duration {
	return 2 * c.Window
}

// Decision represents the outcome of a rate limit check (value type).
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int       // Requests remaining in window
	ResetAt   time.Time // When the current window ends
	Reason    string    // If not allowed, why
}

// Bucket returns the index of the fixed window containing now.
// Buckets are aligned to the Unix epoch, so one-minute windows start on
// wall-clock minute boundaries.
func Bucket(now time.Time, window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = DefaultWindow.Milliseconds()
	}
	return now.UnixMilli() / ms
}

// Key returns the store key for a user's counter in a bucket.
func Key(userID string, bucket int64) string {
	return KeyPrefix + userID + ":" + strconv.FormatInt(bucket, 10)
}

// WindowEnd returns when the window containing now ends.
func WindowEnd(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = DefaultWindow.Milliseconds()
	}
	return time.UnixMilli((Bucket(now, window) + 1) * ms).UTC()
}

// Check decides whether a request is allowed given the count already
// recorded in the current window. A denied request must not be counted.
// This is a PURE function - no side effects, deterministic.
func Check(count int, cfg Config, now time.Time) Decision {
	d := Decision{
		Limit:   cfg.Limit,
		ResetAt: WindowEnd(now, cfg.Window),
	}
	if count >= cfg.Limit {
		d.Reason = ReasonLimitExceeded
		return d
	}
	d.Allowed = true
	d.Remaining = cfg.Limit - count - 1
	return d
}

// CalculateDelay returns how long to wait before retrying.
// This is a PURE function.
func CalculateDelay(d Decision, now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	delay := d.ResetAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, never below 1.
func RetryAfterSeconds(d Decision, now time.Time) int {
	delay := CalculateDelay(d, now)
	secs := int((delay + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
