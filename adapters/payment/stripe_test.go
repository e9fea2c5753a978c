package payment_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/quotagate/adapters/payment"
	domainwebhook "github.com/artpar/quotagate/domain/webhook"
	"github.com/artpar/quotagate/ports"
)

const testSecret = "whsec_test_secret"

func sign(payload []byte, secret string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func eventJSON(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1707566400,"api_version":"2020-08-27","data":{"object":%s}}`, id, typ, object))
}

func newVerifier(t *testing.T) *payment.StripeVerifier {
	t.Helper()
	v, err := payment.NewStripeVerifier(testSecret)
	require.NoError(t, err)
	return v
}

func TestNewStripeVerifier_RequiresSecret(t *testing.T) {
	_, err := payment.NewStripeVerifier("")
	assert.ErrorIs(t, err, payment.ErrMissingWebhookSecret)
}

func TestKindOf(t *testing.T) {
	tests := map[stripe.EventType]domainwebhook.Kind{
		"customer.subscription.created": domainwebhook.KindSubscriptionActivated,
		"customer.subscription.updated": domainwebhook.KindSubscriptionUpdated,
		"customer.subscription.deleted": domainwebhook.KindSubscriptionCanceled,
		"checkout.session.completed":    domainwebhook.KindCheckoutCompleted,
		"invoice.paid":                  domainwebhook.KindUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, payment.KindOf(in), string(in))
	}
}

func TestStripeVerifier_Subscription(t *testing.T) {
	payload := eventJSON("evt_sub", "customer.subscription.updated",
		`{"id":"sub_1","object":"subscription","customer":"cus_1","metadata":{"userId":"user_1","tier":"pro"}}`)

	ev, err := newVerifier(t).Verify(payload, sign(payload, testSecret))
	require.NoError(t, err)

	assert.Equal(t, "evt_sub", ev.ID)
	assert.Equal(t, domainwebhook.ProviderStripe, ev.Provider)
	assert.Equal(t, domainwebhook.KindSubscriptionUpdated, ev.Kind)
	assert.Equal(t, "customer.subscription.updated", ev.Type)
	assert.Equal(t, "user_1", ev.UserID)
	assert.Equal(t, "pro", ev.Tier)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, time.Unix(1707566400, 0).UTC(), ev.CreatedAt)
}

func TestStripeVerifier_CheckoutSession(t *testing.T) {
	payload := eventJSON("evt_co", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","client_reference_id":"user_9","customer":"cus_9","subscription":"sub_9","metadata":{"tier":"enterprise"}}`)

	ev, err := newVerifier(t).Verify(payload, sign(payload, testSecret))
	require.NoError(t, err)

	assert.Equal(t, domainwebhook.KindCheckoutCompleted, ev.Kind)
	assert.Equal(t, "", ev.UserID)
	assert.Equal(t, "user_9", ev.ReferenceID)
	assert.Equal(t, "user_9", ev.ResolveUserID())
	assert.Equal(t, "enterprise", ev.Tier)
	assert.Equal(t, "cus_9", ev.CustomerID)
	assert.Equal(t, "sub_9", ev.SubscriptionID)
}

func TestStripeVerifier_UnknownType(t *testing.T) {
	payload := eventJSON("evt_inv", "invoice.paid", `{"id":"in_1","object":"invoice"}`)

	ev, err := newVerifier(t).Verify(payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.Equal(t, domainwebhook.KindUnknown, ev.Kind)
	assert.Equal(t, "evt_inv", ev.ID)
}

func TestStripeVerifier_SignatureFailures(t *testing.T) {
	payload := eventJSON("evt_1", "customer.subscription.created", `{"id":"sub_1","object":"subscription"}`)

	tests := []struct {
		name      string
		payload   []byte
		signature string
	}{
		{"wrong secret", payload, sign(payload, "whsec_other")},
		{"garbage header", payload, "not-a-signature"},
		{"tampered body", append([]byte(nil), eventJSON("evt_2", "customer.subscription.created", `{}`)...), sign(payload, testSecret)},
		{"stale timestamp", payload, func() string {
			old := time.Now().Add(-time.Hour)
			return fmt.Sprintf("t=%d,v1=%s", old.Unix(), hex.EncodeToString(webhook.ComputeSignature(old, payload, testSecret)))
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newVerifier(t).Verify(tt.payload, tt.signature)
			assert.True(t, errors.Is(err, domainwebhook.ErrInvalidSignature), "err = %v", err)
		})
	}
}

func TestStripeVerifier_MalformedBody(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":`)

	_, err := newVerifier(t).Verify(payload, sign(payload, testSecret))
	assert.ErrorIs(t, err, domainwebhook.ErrMalformedPayload)
}

func TestStripeCheckout_CreateCheckoutSession(t *testing.T) {
	var form map[string]string
	var idempotencyKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)
	}))
	defer server.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	checkout := payment.NewStripeCheckout(payment.StripeConfig{SecretKey: "sk_test_123", Backend: backend})

	url, err := checkout.CreateCheckoutSession(context.Background(), ports.CheckoutRequest{
		UserID:         "user_1",
		Tier:           "pro",
		PriceRef:       "price_pro",
		SuccessURL:     "https://app.example/success",
		CancelURL:      "https://app.example/pricing",
		IdempotencyKey: "idem-1",
		CustomerEmail:  "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", url)

	assert.Equal(t, "subscription", form["mode"])
	assert.Equal(t, "user_1", form["client_reference_id"])
	assert.Equal(t, "price_pro", form["line_items[0][price]"])
	assert.Equal(t, "user_1", form["metadata[userId]"])
	assert.Equal(t, "pro", form["metadata[tier]"])
	assert.Equal(t, "user_1", form["subscription_data[metadata][userId]"])
	assert.Equal(t, "pro", form["subscription_data[metadata][tier]"])
	assert.Equal(t, "ada@example.com", form["customer_email"])
	assert.Equal(t, "idem-1", idempotencyKey)
}

func TestStripeCheckout_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"No such price: 'price_missing'"}}`)
	}))
	defer server.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	checkout := payment.NewStripeCheckout(payment.StripeConfig{SecretKey: "sk_test_123", Backend: backend})

	_, err := checkout.CreateCheckoutSession(context.Background(), ports.CheckoutRequest{
		UserID: "user_1", Tier: "pro", PriceRef: "price_missing",
	})
	assert.Error(t, err)
}

func TestNoopCheckout(t *testing.T) {
	_, err := payment.NoopCheckout{}.CreateCheckoutSession(context.Background(), ports.CheckoutRequest{})
	assert.ErrorIs(t, err, payment.ErrPaymentsDisabled)
}
