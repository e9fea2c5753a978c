package http

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/artpar/quotagate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type identityKey struct{}

// WithIdentity returns a context carrying a verified identity.
func WithIdentity(ctx context.Context, id ports.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by the auth middleware.
func IdentityFrom(ctx context.Context) (ports.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(ports.Identity)
	return id, ok
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// NewAuthMiddleware rejects requests without a verifiable bearer token and
// stores the verified identity in the request context.
func NewAuthMiddleware(verifier ports.TokenVerifier, m *metrics.Collector, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if m != nil {
					m.AuthFailures.WithLabelValues("missing").Inc()
				}
				writeError(w, logger, fmt.Errorf("missing bearer token: %w", app.ErrUnauthenticated))
				return
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if m != nil {
					m.AuthFailures.WithLabelValues("invalid").Inc()
				}
				logger.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
				writeError(w, logger, fmt.Errorf("invalid token: %w", app.ErrUnauthenticated))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// NewRateLimitMiddleware admits authenticated callers through the gate's
// rate limiter and sets X-RateLimit-* headers.
func NewRateLimitMiddleware(gate *app.Gate, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, logger, app.ErrUnauthenticated)
				return
			}

			d, err := gate.Admit(r.Context(), id.UserID)
			setRateLimitHeaders(w, d)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	AllowedOrigins []string // exact origins
	OriginPatterns []string // regular expressions matched against the whole origin
}

// OriginPolicy decides which browser origins may call the API.
type OriginPolicy struct {
	exact    map[string]bool
	patterns []*regexp.Regexp
}

// NewOriginPolicy compiles cfg. Patterns are anchored at both ends.
func NewOriginPolicy(cfg CORSConfig) (*OriginPolicy, error) {
	p := &OriginPolicy{exact: make(map[string]bool, len(cfg.AllowedOrigins))}
	for _, o := range cfg.AllowedOrigins {
		p.exact[strings.TrimSuffix(o, "/")] = true
	}
	for _, expr := range cfg.OriginPatterns {
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + expr
		}
		if !strings.HasSuffix(expr, "$") {
			expr += "$"
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("origin pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// Allowed reports whether origin is listed or matches a pattern.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if p.exact[origin] {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// NewCORS builds the CORS handler. Only allowed origins are echoed back.
func NewCORS(policy *OriginPolicy, logger zerolog.Logger) *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			if policy.Allowed(origin) {
				return true
			}
			logger.Warn().Str("origin", origin).Msg("cors origin rejected")
			return false
		},
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type", "Authorization"},
		ExposedHeaders:       []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:               86400,
		OptionsSuccessStatus: http.StatusNoContent,
	})
}

func internalPath(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics"
}

// NewMetricsMiddleware records request counts and latency by route pattern.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, route, statusLabel(ww.Status())).Inc()
		})
	}
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// NewLoggingMiddleware logs each request at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if internalPath(r.URL.Path) {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
