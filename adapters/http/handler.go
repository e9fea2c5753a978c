// Package http exposes the gate over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Defaults
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxWebhookBytes = 1 << 20
	maxJSONBodyBytes       = 64 << 10
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// RouterConfig holds router dependencies. Gate, Tiers and Verifier are
// required; the rest are optional.
type RouterConfig struct {
	Gate       *app.Gate
	Tiers      *tier.Registry
	Verifier   ports.TokenVerifier
	Checkout   *app.CheckoutService
	Reconciler *app.Reconciler
	Health     ports.Pinger

	Metrics        *metrics.Collector
	MetricsHandler http.Handler // defaults to promhttp.Handler() when Metrics is set

	Origins     *OriginPolicy // nil disables CORS
	FrontendURL string        // fallback base for checkout return URLs

	RequestTimeout  time.Duration
	MaxWebhookBytes int64
	Version         string
	Logger          zerolog.Logger
}

// Handler serves the API endpoints.
type Handler struct {
	gate            *app.Gate
	tiers           *tier.Registry
	checkout        *app.CheckoutService
	reconciler      *app.Reconciler
	health          ports.Pinger
	origins         *OriginPolicy
	frontendURL     string
	maxWebhookBytes int64
	version         string
	logger          zerolog.Logger
}

// NewRouter creates the main HTTP router.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = DefaultMaxWebhookBytes
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	h := &Handler{
		gate:            cfg.Gate,
		tiers:           cfg.Tiers,
		checkout:        cfg.Checkout,
		reconciler:      cfg.Reconciler,
		health:          cfg.Health,
		origins:         cfg.Origins,
		frontendURL:     strings.TrimSuffix(cfg.FrontendURL, "/"),
		maxWebhookBytes: cfg.MaxWebhookBytes,
		version:         cfg.Version,
		logger:          cfg.Logger,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.Origins != nil {
		r.Use(NewCORS(cfg.Origins, cfg.Logger).Handler)
	}
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
	})

	// Health endpoints (no auth required)
	r.Get("/health", h.Liveness)
	r.Get("/health/live", h.Liveness)
	r.Get("/health/ready", h.Readiness)
	r.Get("/version", h.Version)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Public pricing
	r.Get("/api/tiers", h.ListTiers)

	// Billing webhooks authenticate by signature, not bearer token.
	if cfg.Reconciler != nil {
		r.Post("/webhook/stripe", h.StripeWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(cfg.Verifier, cfg.Metrics, cfg.Logger))
		r.Use(NewRateLimitMiddleware(cfg.Gate, cfg.Logger))

		r.Post("/api/data", h.Data)
		r.Get("/api/usage", h.Usage)
		if cfg.Checkout != nil {
			r.Post("/api/create-checkout", h.CreateCheckout)
		}
	})

	return r
}

// Liveness returns a simple liveness check.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks that the key-value store is reachable.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.health != nil {
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version returns the service version.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.version,
		"service": "quotagate",
	})
}

// TiersResponse lists tiers by ascending price.
type TiersResponse struct {
	Tiers []tier.Listing `json:"tiers"`
}

// ListTiers serves the public pricing table.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TiersResponse{Tiers: h.tiers.List()})
}

// DataResponse is returned for an accepted unit of work.
type DataResponse struct {
	Success bool         `json:"success"`
	Data    DataPayload  `json:"data"`
	Usage   UsageSummary `json:"usage"`
}

// DataPayload is the body of the gated work.
type DataPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageSummary is the caller's usage after the request was counted.
type UsageSummary struct {
	Count     int64       `json:"count"`
	Limit     quota.Limit `json:"limit"`
	Remaining quota.Limit `json:"remaining"`
	Tier      string      `json:"tier"`
	Degraded  bool        `json:"degraded,omitempty"`
}

// Data is the gated business endpoint: every accepted call counts
// against the caller's monthly quota.
func (h *Handler) Data(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	c, err := h.gate.Consume(r.Context(), id.UserID, id.Tier)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, DataResponse{
		Success: true,
		Data: DataPayload{
			Message:   "Request processed successfully",
			Timestamp: time.Now().UTC(),
		},
		Usage: UsageSummary{
			Count:     c.Count,
			Limit:     c.Limit,
			Remaining: c.Remaining,
			Tier:      c.Tier,
			Degraded:  c.Degraded,
		},
	})
}

// UsageResponse is the caller's current usage.
type UsageResponse struct {
	UserID      string      `json:"userId"`
	Tier        string      `json:"tier"`
	UsageCount  int64       `json:"usageCount"`
	Limit       quota.Limit `json:"limit"`
	Remaining   quota.Limit `json:"remaining"`
	PeriodStart string      `json:"periodStart"`
	PeriodEnd   string      `json:"periodEnd"`
	ResetAt     time.Time   `json:"resetAt"`
}

// Usage reports the caller's usage without counting the call.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	rep, err := h.gate.Usage(r.Context(), id.UserID, id.Tier)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		UserID:      rep.UserID,
		Tier:        rep.Tier,
		UsageCount:  rep.Count,
		Limit:       rep.Limit,
		Remaining:   rep.Remaining,
		PeriodStart: rep.PeriodStart,
		PeriodEnd:   rep.PeriodEnd,
		ResetAt:     rep.ResetAt,
	})
}

// CheckoutRequest is the body of POST /api/create-checkout.
type CheckoutRequest struct {
	Tier string `json:"tier"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// CreateCheckout starts a subscription checkout for the caller.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req CheckoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, CodeInvalidRequest, "request body must be JSON with a tier field")
		return
	}
	if req.Tier == "" {
		writeProblem(w, http.StatusBadRequest, CodeInvalidRequest, "tier is required")
		return
	}

	base := h.returnBase(r)
	if base == "" {
		writeProblem(w, http.StatusBadRequest, CodeInvalidRequest, "no return URL available for checkout")
		return
	}

	url, err := h.checkout.CreateSession(r.Context(), app.CheckoutInput{
		UserID:     id.UserID,
		Tier:       req.Tier,
		SuccessURL: base + "/dashboard?success=true",
		CancelURL:  base + "/dashboard?canceled=true",
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// returnBase picks the checkout return URL base: the request origin when
// it is an allowed origin, else the configured frontend URL.
func (h *Handler) returnBase(r *http.Request) string {
	origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
	if h.origins != nil && h.origins.Allowed(origin) {
		return origin
	}
	return h.frontendURL
}

// WebhookResponse acknowledges a processed webhook.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// StripeWebhook verifies and reconciles a Stripe event. Only a 2xx
// response stops Stripe from redelivering.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, CodeInvalidPayload, fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeProblem(w, http.StatusBadRequest, CodeInvalidPayload, "failed to read request body")
		return
	}

	res, err := h.reconciler.ProcessWebhookEvent(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{
		Received:  true,
		EventID:   res.EventID,
		Duplicate: res.Duplicate,
	})
}
