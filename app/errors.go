package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotagate/domain/quota"
)

// Sentinel errors.
var (
	// ErrUnauthenticated means the bearer token was absent or unverifiable.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrSignatureInvalid means a webhook body failed signature verification.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrTierNotPurchasable means checkout was requested for an unknown
	// tier or one without a billing price reference.
	ErrTierNotPurchasable = errors.New("tier is not purchasable")
)

// ConfigurationError is fatal: no request should be served.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// RateLimitError means the caller's current rate window is saturated.
type RateLimitError struct {
	Limit      int
	ResetAt    time.Time
	RetryAfter int // seconds, at least 1
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per window exceeded, retry after %ds", e.Limit, e.RetryAfter)
}

// QuotaExceededError means the monthly quota for the tier is used up.
type QuotaExceededError struct {
	Tier    string
	Count   int64
	Limit   quota.Limit
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded for tier %q: %d of %s used", e.Tier, e.Count, e.Limit)
}

// PayloadInvalidError means a verified webhook event cannot be applied
// because required data is missing or unusable.
type PayloadInvalidError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *PayloadInvalidError) Error() string {
	if e.EventID == "" {
		return "webhook payload invalid: " + e.Err.Error()
	}
	return fmt.Sprintf("webhook payload invalid (event %s, %s): %v", e.EventID, e.EventType, e.Err)
}

func (e *PayloadInvalidError) Unwrap() error { return e.Err }

// StorageError wraps a failed key-value operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UpstreamError wraps a failed call to the identity or billing provider.
type UpstreamError struct {
	Service string
	Op      string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
