package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/artpar/quotagate/adapters/clock"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/domain/webhook"
	"github.com/artpar/quotagate/ports"
)

// Mock implementations for testing

var errStoreDown = errors.New("store unavailable")

type mockKV struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
	putErr error
	gets   int
	puts   int
}

func newMockKV() *mockKV {
	return &mockKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *mockKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mockKV) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// mockCounterKV adds an atomic bounded increment.
type mockCounterKV struct {
	*mockKV
	incrErr error
}

func (m *mockCounterKV) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrErr != nil {
		return 0, false, m.incrErr
	}
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	if n >= limit {
		return n, false, nil
	}
	if _, ok := m.data[key]; !ok {
		m.ttls[key] = ttl
	}
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, true, nil
}

type tierUpdate struct {
	UserID     string
	Assignment ports.TierAssignment
}

type mockIdentityStore struct {
	mu      sync.Mutex
	updates []tierUpdate
	err     error
}

func (m *mockIdentityStore) UpdateTier(ctx context.Context, userID string, a ports.TierAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updates = append(m.updates, tierUpdate{UserID: userID, Assignment: a})
	return nil
}

func (m *mockIdentityStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

// mockVerifier accepts the signature "valid" and returns the event
// registered for the payload.
type mockVerifier struct {
	events map[string]webhook.Event
}

func (m *mockVerifier) Verify(payload []byte, signature string) (webhook.Event, error) {
	if signature != "valid" {
		return webhook.Event{}, fmt.Errorf("%w: bad signature", webhook.ErrInvalidSignature)
	}
	ev, ok := m.events[string(payload)]
	if !ok {
		return webhook.Event{}, fmt.Errorf("%w: unparseable", webhook.ErrMalformedPayload)
	}
	if ev.Provider == "" {
		ev.Provider = webhook.ProviderStripe
	}
	return ev, nil
}

type mockCheckoutProvider struct {
	requests []ports.CheckoutRequest
	url      string
	err      error
}

func (m *mockCheckoutProvider) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.requests = append(m.requests, req)
	return m.url, nil
}

type recordingMetrics struct {
	mu              sync.Mutex
	rateAllowed     int
	rateDenied      int
	quotaAllowed    int
	quotaDenied     int
	storageFailures map[string]int
	webhooks        map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{storageFailures: map[string]int{}, webhooks: map[string]int{}}
}

func (m *recordingMetrics) RateLimitDecision(allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.rateAllowed++
	} else {
		m.rateDenied++
	}
}

func (m *recordingMetrics) QuotaDecision(tier string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.quotaAllowed++
	} else {
		m.quotaDenied++
	}
}

func (m *recordingMetrics) StorageFailure(op string, failOpen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageFailures[op]++
}

func (m *recordingMetrics) WebhookProcessed(kind, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[state]++
}

// testTiers is free=5, pro=100, enterprise=unlimited.
func testTiers(t *testing.T) *tier.Registry {
	t.Helper()
	reg, err := tier.NewRegistry([]tier.Definition{
		{ID: "free", DisplayName: "Free", Quota: quota.Of(5)},
		{ID: "pro", DisplayName: "Pro", MonthlyPrice: 2900, Quota: quota.Of(100), BillingPriceRef: "price_pro"},
		{ID: "enterprise", DisplayName: "Enterprise", MonthlyPrice: 3500, Quota: quota.Unlimited(), BillingPriceRef: "price_ent"},
	}, "free")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

var feb10 = time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)

func fakeClock() *clock.Fake {
	return clock.NewFake(feb10)
}

type mockDirectory struct {
	emails map[string]string
	err    error
}

func (m *mockDirectory) PrimaryEmail(ctx context.Context, userID string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.emails[userID], nil
}
