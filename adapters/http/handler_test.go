package http_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/quotagate/adapters/auth"
	"github.com/artpar/quotagate/adapters/clock"
	apihttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/adapters/idgen"
	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/adapters/payment"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/ports"
)

const (
	webhookSecret = "whsec_handler_test"
	tokenSecret   = "handler-test-secret"
)

var baseTime = time.Date(2024, 2, 10, 12, 0, 30, 0, time.UTC)

type fakeCheckout struct {
	last ports.CheckoutRequest
	err  error
}

func (f *fakeCheckout) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return "https://checkout.example/" + req.Tier, nil
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testServer struct {
	handler    http.Handler
	tokens     *auth.Verifier
	identities *memory.IdentityStore
	checkout   *fakeCheckout
	clock      *clock.Fake
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	clk := clock.NewFake(baseTime)
	store := memory.NewKVStore(clk, memory.KVConfig{})
	t.Cleanup(func() { store.Close() })

	tiers, err := tier.NewRegistry([]tier.Definition{
		{ID: "enterprise", DisplayName: "Enterprise", MonthlyPrice: 9900, Quota: quota.Unlimited(), BillingPriceRef: "price_ent"},
		{ID: "free", DisplayName: "Free", Quota: quota.Of(2)},
		{ID: "pro", DisplayName: "Pro", MonthlyPrice: 2900, Quota: quota.Of(100), BillingPriceRef: "price_pro"},
	}, "free")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	logger := zerolog.Nop()

	gate := app.NewGate(app.GateConfig{
		Limiter:  app.NewRateLimiter(store, ratelimit.Config{Limit: 3, Window: time.Minute}, clk),
		Ledger:   app.NewLedger(store, tiers, clk),
		Tiers:    tiers,
		Clock:    clk,
		FailMode: app.FailClosed,
		Metrics:  m,
		Logger:   logger,
	})

	verifier, err := payment.NewStripeVerifier(webhookSecret)
	if err != nil {
		t.Fatalf("NewStripeVerifier: %v", err)
	}
	identities := memory.NewIdentityStore()
	reconciler, err := app.NewReconciler(app.ReconcilerConfig{
		Verifier:   verifier,
		Store:      store,
		Identities: identities,
		Tiers:      tiers,
		Clock:      clk,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	co := &fakeCheckout{}
	tokens, err := auth.NewVerifier(auth.Config{HMACSecret: tokenSecret, DefaultTier: "free"}, clk)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	origins, err := apihttp.NewOriginPolicy(apihttp.CORSConfig{
		AllowedOrigins: []string{"https://app.example"},
		OriginPatterns: []string{`https://[a-z0-9-]+\.preview\.example`},
	})
	if err != nil {
		t.Fatalf("NewOriginPolicy: %v", err)
	}

	router := apihttp.NewRouter(apihttp.RouterConfig{
		Gate:        gate,
		Tiers:       tiers,
		Verifier:    tokens,
		Checkout:    app.NewCheckoutService(co, tiers, idgen.NewSequential("idem"), logger),
		Reconciler:  reconciler,
		Health:      store,
		Metrics:     m,
		Origins:     origins,
		FrontendURL: "https://frontend.example/",
		Logger:      logger,
	})

	return &testServer{handler: router, tokens: tokens, identities: identities, checkout: co, clock: clk}
}

func (s *testServer) token(t *testing.T, userID, tierID string) string {
	t.Helper()
	tok, err := s.tokens.Issue(userID, tierID, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) authed(t *testing.T, method, path, userID, tierID string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+s.token(t, userID, tierID))
	return s.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apihttp.ErrorResponse
	decode(t, rec, &body)
	return body.Error.Code
}

func signedPayload(payload []byte) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, webhookSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t)

	for _, path := range []string{"/health", "/health/ready"} {
		rec := s.do(httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
		var body map[string]string
		decode(t, rec, &body)
		if body["status"] != "ok" {
			t.Errorf("%s status field = %q", path, body["status"])
		}
	}
}

func TestReadiness_StoreDown(t *testing.T) {
	tiers, _ := tier.NewRegistry([]tier.Definition{{ID: "free", Quota: quota.Unlimited()}}, "free")
	router := apihttp.NewRouter(apihttp.RouterConfig{
		Tiers:  tiers,
		Health: failingPinger{},
		Logger: zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestListTiers(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(httptest.NewRequest("GET", "/api/tiers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Tiers []struct {
			ID         string          `json:"id"`
			Price      float64         `json:"price"`
			Limit      json.RawMessage `json:"limit"`
			HasPriceID bool            `json:"hasPriceId"`
		} `json:"tiers"`
	}
	decode(t, rec, &body)

	wantIDs := []string{"free", "pro", "enterprise"}
	if len(body.Tiers) != len(wantIDs) {
		t.Fatalf("got %d tiers, want %d", len(body.Tiers), len(wantIDs))
	}
	for i, id := range wantIDs {
		if body.Tiers[i].ID != id {
			t.Errorf("tiers[%d] = %q, want %q", i, body.Tiers[i].ID, id)
		}
	}
	if body.Tiers[0].HasPriceID {
		t.Error("free tier should not have a price id")
	}
	if body.Tiers[1].Price != 29 {
		t.Errorf("pro price = %v, want 29", body.Tiers[1].Price)
	}
	if string(body.Tiers[2].Limit) != `"unlimited"` {
		t.Errorf("enterprise limit = %s, want \"unlimited\"", body.Tiers[2].Limit)
	}
}

func TestData_Unauthenticated(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/data", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := s.do(req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if code := errorCode(t, rec); code != apihttp.CodeUnauthorized {
				t.Errorf("code = %q, want %q", code, apihttp.CodeUnauthorized)
			}
		})
	}
}

func TestData_CountsUsage(t *testing.T) {
	s := setupTestServer(t)

	rec := s.authed(t, "POST", "/api/data", "user_1", "free", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != fmt.Sprint(baseTime.Add(30*time.Second).Unix()) {
		t.Errorf("X-RateLimit-Reset = %q", got)
	}

	var body apihttp.DataResponse
	decode(t, rec, &body)
	if !body.Success {
		t.Error("success = false")
	}
	if body.Usage.Count != 1 || body.Usage.Tier != "free" {
		t.Errorf("usage = %+v, want count 1 tier free", body.Usage)
	}
	if n, _ := body.Usage.Limit.Value(); n != 2 {
		t.Errorf("limit = %v, want 2", body.Usage.Limit)
	}
}

func TestData_QuotaExceeded(t *testing.T) {
	s := setupTestServer(t)

	for i := 0; i < 2; i++ {
		if rec := s.authed(t, "POST", "/api/data", "user_1", "free", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := s.authed(t, "POST", "/api/data", "user_1", "free", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var body apihttp.ErrorResponse
	decode(t, rec, &body)
	if body.Error.Code != apihttp.CodeQuotaExceeded {
		t.Errorf("code = %q", body.Error.Code)
	}
	if body.UsageCount == nil || *body.UsageCount != 2 {
		t.Errorf("usageCount = %v, want 2", body.UsageCount)
	}
	if body.Limit == nil || body.Limit.String() != "2" {
		t.Errorf("limit = %v, want 2", body.Limit)
	}
}

func TestData_RateLimited(t *testing.T) {
	s := setupTestServer(t)

	for i := 0; i < 3; i++ {
		if rec := s.authed(t, "POST", "/api/data", "user_pro", "pro", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := s.authed(t, "POST", "/api/data", "user_pro", "pro", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	var body apihttp.ErrorResponse
	decode(t, rec, &body)
	if body.RetryAfter != 30 {
		t.Errorf("retryAfter = %d, want 30", body.RetryAfter)
	}

	// Next window admits again.
	s.clock.Advance(30 * time.Second)
	if rec := s.authed(t, "POST", "/api/data", "user_pro", "pro", nil); rec.Code != http.StatusOK {
		t.Errorf("after window status = %d, want 200", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	s := setupTestServer(t)

	s.authed(t, "POST", "/api/data", "user_1", "free", nil)

	rec := s.authed(t, "GET", "/api/usage", "user_1", "free", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body apihttp.UsageResponse
	decode(t, rec, &body)
	if body.UserID != "user_1" || body.Tier != "free" || body.UsageCount != 1 {
		t.Errorf("usage = %+v", body)
	}
	if n, _ := body.Remaining.Value(); n != 1 {
		t.Errorf("remaining = %v, want 1", body.Remaining)
	}
	if body.PeriodStart != "2024-02-01" || body.PeriodEnd != "2024-02-29" {
		t.Errorf("period = %s..%s", body.PeriodStart, body.PeriodEnd)
	}

	// Peeking does not count.
	rec = s.authed(t, "GET", "/api/usage", "user_1", "free", nil)
	decode(t, rec, &body)
	if body.UsageCount != 1 {
		t.Errorf("usage after peek = %d, want 1", body.UsageCount)
	}
}

func TestCreateCheckout(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		body        string
		wantStatus  int
		wantCode    string
		wantSuccess string
	}{
		{"allowed origin", "https://app.example", `{"tier":"pro"}`, 200, "", "https://app.example/dashboard?success=true"},
		{"pattern origin", "https://pr-12.preview.example", `{"tier":"pro"}`, 200, "", "https://pr-12.preview.example/dashboard?success=true"},
		{"foreign origin falls back", "https://evil.example", `{"tier":"pro"}`, 200, "", "https://frontend.example/dashboard?success=true"},
		{"free tier", "", `{"tier":"free"}`, 400, apihttp.CodeInvalidTier, ""},
		{"unknown tier", "", `{"tier":"gold"}`, 400, apihttp.CodeInvalidTier, ""},
		{"missing tier", "", `{}`, 400, apihttp.CodeInvalidRequest, ""},
		{"bad json", "", `{`, 400, apihttp.CodeInvalidRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t)

			req := httptest.NewRequest("POST", "/api/create-checkout", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+s.token(t, "user_1", "free"))
			req.Header.Set("Content-Type", "application/json")
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := s.do(req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				if code := errorCode(t, rec); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}

			var body apihttp.CheckoutResponse
			decode(t, rec, &body)
			if body.URL != "https://checkout.example/pro" {
				t.Errorf("url = %q", body.URL)
			}
			if s.checkout.last.SuccessURL != tt.wantSuccess {
				t.Errorf("success url = %q, want %q", s.checkout.last.SuccessURL, tt.wantSuccess)
			}
			if s.checkout.last.UserID != "user_1" || s.checkout.last.PriceRef != "price_pro" {
				t.Errorf("checkout request = %+v", s.checkout.last)
			}
		})
	}
}

func TestCreateCheckout_ProviderFailure(t *testing.T) {
	s := setupTestServer(t)
	s.checkout.err = errors.New("stripe down")

	rec := s.authed(t, "POST", "/api/create-checkout", "user_1", "free", strings.NewReader(`{"tier":"pro"}`))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestStripeWebhook(t *testing.T) {
	s := setupTestServer(t)

	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.updated","api_version":"2020-08-27","created":1707566400,` +
		`"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","metadata":{"userId":"user_1","tier":"pro"}}}}`)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhook/stripe", strings.NewReader(string(payload)))
		req.Header.Set(apihttp.SignatureHeader, signedPayload(payload))
		return s.do(req)
	}

	rec := post()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rec.Code, rec.Body.String())
	}
	var first apihttp.WebhookResponse
	decode(t, rec, &first)
	if !first.Received || first.Duplicate {
		t.Errorf("first = %+v", first)
	}

	got, ok := s.identities.Get("user_1")
	if !ok || got.Tier != "pro" || got.CustomerID != "cus_1" {
		t.Errorf("identity = %+v, %v", got, ok)
	}

	rec = post()
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}
	var second apihttp.WebhookResponse
	decode(t, rec, &second)
	if !second.Duplicate {
		t.Error("replay should be reported as duplicate")
	}
	if n := s.identities.Updates(); n != 1 {
		t.Errorf("identity updates = %d, want 1", n)
	}
}

func TestStripeWebhook_Rejections(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.subscription.created","api_version":"2020-08-27",` +
		`"data":{"object":{"id":"sub_2","object":"subscription","metadata":{"tier":"pro"}}}}`)

	tests := []struct {
		name      string
		signature string
		wantCode  string
	}{
		{"no signature", "", apihttp.CodeInvalidSignature},
		{"bad signature", "t=1,v1=deadbeef", apihttp.CodeInvalidSignature},
		{"missing user", signedPayload(payload), apihttp.CodeInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestServer(t)
			req := httptest.NewRequest("POST", "/webhook/stripe", strings.NewReader(string(payload)))
			if tt.signature != "" {
				req.Header.Set(apihttp.SignatureHeader, tt.signature)
			}
			rec := s.do(req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if n := s.identities.Updates(); n != 0 {
				t.Errorf("identity updates = %d, want 0", n)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"https://app.example", "https://app.example"},
		{"https://feature-x.preview.example", "https://feature-x.preview.example"},
		{"https://preview.example.evil.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest("OPTIONS", "/api/data", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")
			req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
			rec := s.do(req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if tt.wantAllow != "" && rec.Header().Get("Access-Control-Max-Age") != "86400" {
				t.Errorf("Max-Age = %q", rec.Header().Get("Access-Control-Max-Age"))
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(httptest.NewRequest("GET", "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != apihttp.CodeNotFound {
		t.Errorf("code = %q", code)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"config", &app.ConfigurationError{Field: "billing.webhook_secret", Reason: "required"}, 500, apihttp.CodeConfiguration},
		{"auth", app.ErrUnauthenticated, 401, apihttp.CodeUnauthorized},
		{"rate", &app.RateLimitError{Limit: 100, RetryAfter: 5}, 429, apihttp.CodeRateLimited},
		{"quota", &app.QuotaExceededError{Tier: "free", Count: 5, Limit: quota.Of(5)}, 403, apihttp.CodeQuotaExceeded},
		{"signature", fmt.Errorf("verify: %w", app.ErrSignatureInvalid), 400, apihttp.CodeInvalidSignature},
		{"payload", &app.PayloadInvalidError{Err: errors.New("missing user")}, 400, apihttp.CodeInvalidPayload},
		{"tier", fmt.Errorf("%w: gold", app.ErrTierNotPurchasable), 400, apihttp.CodeInvalidTier},
		{"storage", &app.StorageError{Op: "get", Key: "usage:u", Err: errors.New("timeout")}, 500, apihttp.CodeStorage},
		{"upstream", &app.UpstreamError{Service: "identity", Op: "update tier", Err: errors.New("502")}, 502, apihttp.CodeUpstream},
		{"other", errors.New("boom"), 500, apihttp.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := apihttp.StatusOf(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("StatusOf = %d %q, want %d %q", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}
