// Package ports defines the contracts between the accounting core and
// its collaborators. Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/quotagate/domain/webhook"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Key-Value Store Ports
// -----------------------------------------------------------------------------

// KVStore is the single shared namespace holding all accounting state.
// Reads and writes are independent; there are no transactions.
type KVStore interface {
	// Get returns the value for key. ok is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Put stores value under key. A ttl of 0 means the entry never expires.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// CounterStore is implemented by stores that can increment a counter
// atomically. IncrementBelow adds one to the counter at key only while
// the current value is below limit, setting ttl when the key is created.
// It returns the value after the call and whether the increment happened.
type CounterStore interface {
	IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, incremented bool, err error)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Identity Ports
// -----------------------------------------------------------------------------

// Identity is a verified caller. The core trusts it without re-verification.
type Identity struct {
	UserID string
	Tier   string
}

// TokenVerifier turns a bearer token into a verified identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TierAssignment is the tier metadata written to the identity provider.
// Empty references keep their stored value unless Canceled is set, which
// clears the subscription reference.
type TierAssignment struct {
	Tier           string
	CustomerID     string
	SubscriptionID string
	Canceled       bool
}

// ErrUnknownUser is returned by identity stores for users the provider
// does not know.
var ErrUnknownUser = errors.New("user not found")

// IdentityStore mutates tier metadata held by the identity provider.
// Tokens issued afterwards carry the new tier.
type IdentityStore interface {
	UpdateTier(ctx context.Context, userID string, a TierAssignment) error
}

// UserDirectory reads contact details held by the identity provider.
type UserDirectory interface {
	PrimaryEmail(ctx context.Context, userID string) (string, error)
}

// -----------------------------------------------------------------------------
// Billing Provider Ports
// -----------------------------------------------------------------------------

// WebhookVerifier authenticates a raw webhook body and normalizes it.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (webhook.Event, error)
}

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID         string
	Tier           string
	PriceRef       string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	CustomerEmail  string // optional prefill
}

// CheckoutProvider creates hosted checkout sessions.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (url string, err error)
}

// -----------------------------------------------------------------------------
// Observability Ports
// -----------------------------------------------------------------------------

// Metrics records gate and webhook outcomes.
type Metrics interface {
	RateLimitDecision(allowed bool)
	QuotaDecision(tier string, allowed bool)
	StorageFailure(op string, failOpen bool)
	WebhookProcessed(kind string, state string)
}
