package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/domain/webhook"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// WebhookResult describes how an event was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	Kind      webhook.Kind
	UserID    string
	State     webhook.State
	Duplicate bool
	// Trace lists every state the event passed through.
	Trace []webhook.State
}

// Reconciler applies billing lifecycle events to tier assignments in the
// identity provider, exactly once per event id.
//
// The processed-event record is written only after the mutation
// succeeded, so a failed attempt is retried in full on redelivery.
type Reconciler struct {
	verifier   ports.WebhookVerifier
	store      ports.KVStore
	identities ports.IdentityStore
	tiers      *tier.Registry
	clock      ports.Clock
	metrics    ports.Metrics
	logger     zerolog.Logger
}

// ReconcilerConfig holds Reconciler dependencies.
type ReconcilerConfig struct {
	Verifier   ports.WebhookVerifier
	Store      ports.KVStore
	Identities ports.IdentityStore
	Tiers      *tier.Registry
	Clock      ports.Clock
	Metrics    ports.Metrics // optional
	Logger     zerolog.Logger
}

// NewReconciler creates a reconciler. A missing verifier is a
// configuration error: events are never processed unverified.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, &ConfigurationError{Field: "billing.webhook_secret", Reason: "webhook verification is not configured"}
	case cfg.Store == nil:
		return nil, &ConfigurationError{Field: "store", Reason: "key-value store is required"}
	case cfg.Identities == nil:
		return nil, &ConfigurationError{Field: "identity", Reason: "identity store is required"}
	case cfg.Tiers == nil:
		return nil, &ConfigurationError{Field: "tiers", Reason: "tier registry is required"}
	}
	m := cfg.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Reconciler{
		verifier:   cfg.Verifier,
		store:      cfg.Store,
		identities: cfg.Identities,
		tiers:      cfg.Tiers,
		clock:      cfg.Clock,
		metrics:    m,
		logger:     cfg.Logger,
	}, nil
}

// ProcessWebhookEvent verifies, deduplicates and applies one raw event.
//
// Errors: ErrSignatureInvalid (wrapped), *PayloadInvalidError,
// *StorageError, *UpstreamError. None of them leave a processed record.
func (r *Reconciler) ProcessWebhookEvent(ctx context.Context, rawBody []byte, signature string) (WebhookResult, error) {
	res := WebhookResult{State: webhook.StateReceived, Trace: []webhook.State{webhook.StateReceived}}

	if signature == "" {
		return r.reject(res, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid))
	}
	event, err := r.verifier.Verify(rawBody, signature)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			return r.reject(res, &PayloadInvalidError{Err: err})
		}
		return r.reject(res, fmt.Errorf("%w: %v", ErrSignatureInvalid, err))
	}
	res.EventID = event.ID
	res.EventType = event.Type
	res.Kind = event.Kind
	res = r.advance(res, webhook.StateSignatureVerified)

	if event.ID == "" {
		return r.reject(res, &PayloadInvalidError{EventType: event.Type, Err: webhook.ErrMissingEventID})
	}

	key := webhook.ProcessedKey(event.Provider, event.ID)
	_, seen, err := r.store.Get(ctx, key)
	if err != nil {
		return r.reject(res, &StorageError{Op: "get", Key: key, Err: err})
	}
	if seen {
		res.Duplicate = true
		res = r.advance(res, webhook.StateDuplicate)
		res = r.advance(res, webhook.StateRecorded)
		r.logger.Info().
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("duplicate webhook event, skipping")
		return res, nil
	}
	res = r.advance(res, webhook.StateNew)

	userID, err := r.apply(ctx, event)
	res.UserID = userID
	if err != nil {
		return r.reject(res, err)
	}
	res = r.advance(res, webhook.StateApplied)

	if err := r.store.Put(ctx, key, webhook.ProcessedValue(r.clock.Now()), webhook.ProcessedTTL); err != nil {
		return r.reject(res, &StorageError{Op: "put", Key: key, Err: err})
	}
	res = r.advance(res, webhook.StateRecorded)
	return res, nil
}

// apply performs the tier mutation for event and returns the affected user.
func (r *Reconciler) apply(ctx context.Context, event webhook.Event) (string, error) {
	if !event.Kind.Mutates() {
		r.logger.Debug().
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("ignoring webhook event kind")
		return "", nil
	}

	if err := event.Validate(); err != nil {
		return event.ResolveUserID(), &PayloadInvalidError{EventID: event.ID, EventType: event.Type, Err: err}
	}
	userID := event.ResolveUserID()

	assignment := ports.TierAssignment{
		Tier:           event.Tier,
		CustomerID:     event.CustomerID,
		SubscriptionID: event.SubscriptionID,
	}
	if event.Kind == webhook.KindSubscriptionCanceled {
		assignment = ports.TierAssignment{Tier: r.tiers.Default().ID, CustomerID: event.CustomerID, Canceled: true}
	} else if _, ok := r.tiers.Lookup(event.Tier); !ok {
		return userID, &PayloadInvalidError{
			EventID:   event.ID,
			EventType: event.Type,
			Err:       fmt.Errorf("unknown tier %q", event.Tier),
		}
	}

	if err := r.identities.UpdateTier(ctx, userID, assignment); err != nil {
		if errors.Is(err, ports.ErrUnknownUser) {
			return userID, &PayloadInvalidError{EventID: event.ID, EventType: event.Type, Err: err}
		}
		return userID, &UpstreamError{Service: "identity", Op: "update tier", Err: err}
	}

	r.logger.Info().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("user_id", userID).
		Str("tier", assignment.Tier).
		Str("subscription_id", assignment.SubscriptionID).
		Msg("tier assignment updated")
	return userID, nil
}

func (r *Reconciler) reject(res WebhookResult, err error) (WebhookResult, error) {
	res = r.advance(res, webhook.StateRejected)

	ev := r.logger.Warn()
	if IsStorageError(err) || isUpstream(err) {
		ev = r.logger.Error()
	}
	ev.Err(err).
		Str("event_id", res.EventID).
		Str("event_type", res.EventType).
		Msg("webhook event rejected")
	return res, err
}

// advance moves res to next and records the outcome once a terminal
// state is reached. An illegal step is a programming error.
func (r *Reconciler) advance(res WebhookResult, next webhook.State) WebhookResult {
	if !webhook.CanTransition(res.State, next) {
		panic(fmt.Sprintf("webhook: illegal transition %s -> %s", res.State, next))
	}
	res.State = next
	res.Trace = append(res.Trace, next)
	if next.Terminal() {
		r.metrics.WebhookProcessed(string(res.Kind), string(next))
	}
	return res
}

func isUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
