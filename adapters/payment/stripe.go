// Package payment provides billing provider adapters: webhook
// verification with event normalization, and hosted checkout.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainwebhook "github.com/artpar/quotagate/domain/webhook"
	"github.com/artpar/quotagate/ports"
	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetadataUserID = "userId"
	MetadataTier   = "tier"
)

// ErrMissingWebhookSecret is returned when no signing secret is configured.
var ErrMissingWebhookSecret = errors.New("stripe webhook signing secret is not configured")

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Backend overrides the API backend (tests).
	Backend stripe.Backend
}

// StripeVerifier implements ports.WebhookVerifier.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier. An empty secret is an error;
// there is no unverified mode.
func NewStripeVerifier(secret string) (*StripeVerifier, error) {
	if secret == "" {
		return nil, ErrMissingWebhookSecret
	}
	return &StripeVerifier{secret: secret}, nil
}

// Verify checks the Stripe-Signature header over the raw payload and
// maps the event to its provider-neutral form.
func (v *StripeVerifier) Verify(payload []byte, signature string) (domainwebhook.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return domainwebhook.Event{}, fmt.Errorf("%w: %v", domainwebhook.ErrInvalidSignature, err)
		}
		return domainwebhook.Event{}, fmt.Errorf("%w: %v", domainwebhook.ErrMalformedPayload, err)
	}
	return normalize(event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// KindOf maps a Stripe event type to a lifecycle kind.
func KindOf(eventType stripe.EventType) domainwebhook.Kind {
	switch eventType {
	case "customer.subscription.created":
		return domainwebhook.KindSubscriptionActivated
	case "customer.subscription.updated":
		return domainwebhook.KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return domainwebhook.KindSubscriptionCanceled
	case "checkout.session.completed":
		return domainwebhook.KindCheckoutCompleted
	}
	return domainwebhook.KindUnknown
}

func normalize(event stripe.Event) (domainwebhook.Event, error) {
	out := domainwebhook.Event{
		ID:        event.ID,
		Provider:  domainwebhook.ProviderStripe,
		Kind:      KindOf(event.Type),
		Type:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		if out.Kind.Mutates() {
			return out, fmt.Errorf("%w: event %s has no data", domainwebhook.ErrMalformedPayload, event.ID)
		}
		return out, nil
	}

	switch out.Kind {
	case domainwebhook.KindSubscriptionActivated, domainwebhook.KindSubscriptionUpdated, domainwebhook.KindSubscriptionCanceled:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("%w: subscription: %v", domainwebhook.ErrMalformedPayload, err)
		}
		out.UserID = sub.Metadata[MetadataUserID]
		out.Tier = sub.Metadata[MetadataTier]
		out.SubscriptionID = sub.ID
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}

	case domainwebhook.KindCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return out, fmt.Errorf("%w: checkout session: %v", domainwebhook.ErrMalformedPayload, err)
		}
		out.UserID = cs.Metadata[MetadataUserID]
		out.Tier = cs.Metadata[MetadataTier]
		out.ReferenceID = cs.ClientReferenceID
		if cs.Customer != nil {
			out.CustomerID = cs.Customer.ID
		}
		if cs.Subscription != nil {
			out.SubscriptionID = cs.Subscription.ID
		}
	}
	return out, nil
}

// StripeCheckout implements ports.CheckoutProvider.
type StripeCheckout struct {
	sessions checkoutsession.Client
}

// NewStripeCheckout creates a checkout provider using its own API key
// rather than the package-level stripe.Key.
func NewStripeCheckout(cfg StripeConfig) *StripeCheckout {
	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeCheckout{sessions: checkoutsession.Client{B: backend, Key: cfg.SecretKey}}
}

// CreateCheckoutSession creates a subscription checkout. The user and tier
// are attached to the session and to the subscription it creates.
func (p *StripeCheckout) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	metadata := map[string]string{
		MetadataUserID: req.UserID,
		MetadataTier:   req.Tier,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	s, err := p.sessions.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

var (
	_ ports.WebhookVerifier  = (*StripeVerifier)(nil)
	_ ports.CheckoutProvider = (*StripeCheckout)(nil)
)
