package payment

import (
	"context"
	"errors"

	"github.com/artpar/quotagate/ports"
)

// ErrPaymentsDisabled is returned when no billing API key is configured.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// NoopCheckout is used when checkout is disabled. Webhook verification
// is still required in that mode.
type NoopCheckout struct{}

// CreateCheckoutSession always fails with ErrPaymentsDisabled.
func (NoopCheckout) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	return "", ErrPaymentsDisabled
}

var _ ports.CheckoutProvider = NoopCheckout{}
