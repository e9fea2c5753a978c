package app

import (
	"context"
	"fmt"

	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// CheckoutInput describes a checkout request from a verified caller.
type CheckoutInput struct {
	UserID     string
	Tier       string
	SuccessURL string
	CancelURL  string
}

// CheckoutService starts subscription checkouts for purchasable tiers.
type CheckoutService struct {
	provider  ports.CheckoutProvider
	tiers     *tier.Registry
	ids       ports.IDGenerator
	directory ports.UserDirectory
	logger    zerolog.Logger
}

// NewCheckoutService creates a checkout service.
func NewCheckoutService(provider ports.CheckoutProvider, tiers *tier.Registry, ids ports.IDGenerator, logger zerolog.Logger) *CheckoutService {
	return &CheckoutService{provider: provider, tiers: tiers, ids: ids, logger: logger}
}

// WithDirectory enables prefilling the customer email from d.
func (s *CheckoutService) WithDirectory(d ports.UserDirectory) *CheckoutService {
	s.directory = d
	return s
}

// CreateSession returns the hosted checkout URL. The session carries the
// user and tier so the resulting webhooks can be reconciled.
func (s *CheckoutService) CreateSession(ctx context.Context, in CheckoutInput) (string, error) {
	if in.UserID == "" {
		return "", ErrUnauthenticated
	}
	def, ok := s.tiers.Purchasable(in.Tier)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTierNotPurchasable, in.Tier)
	}

	url, err := s.provider.CreateCheckoutSession(ctx, ports.CheckoutRequest{
		UserID:         in.UserID,
		Tier:           def.ID,
		PriceRef:       def.BillingPriceRef,
		SuccessURL:     in.SuccessURL,
		CancelURL:      in.CancelURL,
		IdempotencyKey: s.ids.New(),
		CustomerEmail:  s.email(ctx, in.UserID),
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("user_id", in.UserID).
			Str("tier", def.ID).
			Msg("failed to create checkout session")
		return "", &UpstreamError{Service: "billing", Op: "create checkout session", Err: err}
	}

	s.logger.Info().
		Str("user_id", in.UserID).
		Str("tier", def.ID).
		Msg("checkout session created")
	return url, nil
}

// email looks up the prefill address. Checkout proceeds without it when
// the lookup fails.
func (s *CheckoutService) email(ctx context.Context, userID string) string {
	if s.directory == nil {
		return ""
	}
	email, err := s.directory.PrimaryEmail(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("user_id", userID).
			Msg("customer email lookup failed")
		return ""
	}
	return email
}
