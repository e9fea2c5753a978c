// Package webhook provides value types and pure functions for reconciling
// billing-provider lifecycle events into tier assignments.
// All types are immutable values; all functions are pure.
package webhook

import (
	"errors"
	"time"
)

// ProviderStripe is the provider namespace used in processed-event keys.
const ProviderStripe = "stripe"

// ProcessedTTL matches the provider's redelivery retention window.
const ProcessedTTL = 30 * 24 * time.Hour

// Kind is a normalized billing lifecycle event kind.
type Kind string

const (
	KindSubscriptionActivated Kind = "subscription.activated"
	KindSubscriptionUpdated   Kind = "subscription.updated"
	KindSubscriptionCanceled  Kind = "subscription.canceled"
	KindCheckoutCompleted     Kind = "checkout.completed"
	KindUnknown               Kind = "unknown"
)

// Mutates reports whether events of this kind change a tier assignment.
func (k Kind) Mutates() bool {
	switch k {
	case KindSubscriptionActivated, KindSubscriptionUpdated,
		KindSubscriptionCanceled, KindCheckoutCompleted:
		return true
	}
	return false
}

// State is a step of the per-event processing state machine.
type State string

const (
	StateReceived          State = "received"
	StateSignatureVerified State = "signature_verified"
	StateDuplicate         State = "duplicate"
	StateNew               State = "new"
	StateApplied           State = "applied"
	StateRecorded          State = "recorded"
	StateRejected          State = "rejected"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateRecorded || s == StateRejected
}

var transitions = map[State][]State{
	StateReceived:          {StateSignatureVerified, StateRejected},
	StateSignatureVerified: {StateDuplicate, StateNew, StateRejected},
	StateDuplicate:         {StateRecorded},
	StateNew:               {StateApplied, StateRejected},
	StateApplied:           {StateRecorded, StateRejected},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Verification errors returned by provider adapters.
var (
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Validation errors.
var (
	ErrMissingEventID = errors.New("event id is missing")
	ErrMissingUserID  = errors.New("user id metadata is missing")
	ErrMissingTier    = errors.New("tier metadata is missing")
)

// Event is a verified, provider-neutral billing event.
type Event struct {
	ID             string
	Provider       string
	Kind           Kind
	Type           string // provider event type, e.g. "customer.subscription.updated"
	UserID         string // from event metadata
	Tier           string // from event metadata
	ReferenceID    string // checkout client reference
	CustomerID     string
	SubscriptionID string
	CreatedAt      time.Time
}

// ResolveUserID returns the user the event applies to. Checkout events fall
// back to the session's reference id when metadata carries no user.
func (e Event) ResolveUserID() string {
	if e.UserID != "" {
		return e.UserID
	}
	if e.Kind == KindCheckoutCompleted {
		return e.ReferenceID
	}
	return ""
}

// Validate checks that a mutating event carries the metadata it needs.
// Missing metadata is never defaulted.
func (e Event) Validate() error {
	if e.ID == "" {
		return ErrMissingEventID
	}
	switch e.Kind {
	case KindSubscriptionActivated, KindSubscriptionUpdated, KindCheckoutCompleted:
		if e.ResolveUserID() == "" {
			return ErrMissingUserID
		}
		if e.Tier == "" {
			return ErrMissingTier
		}
	case KindSubscriptionCanceled:
		if e.ResolveUserID() == "" {
			return ErrMissingUserID
		}
	}
	return nil
}

// ProcessedKey returns the idempotency record key for an event.
func ProcessedKey(provider, eventID string) string {
	if provider == "" {
		provider = ProviderStripe
	}
	return "webhook:" + provider + ":" + eventID
}

// ProcessedValue returns the idempotency record value. Only presence of
// the key matters; the timestamp is kept for debugging.
func ProcessedValue(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
