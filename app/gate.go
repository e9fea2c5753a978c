package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/quotagate/domain/period"
	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// FailMode decides what the gate does when storage is unavailable.
type FailMode string

const (
	// FailClosed rejects the request with the storage error.
	FailClosed FailMode = "closed"
	// FailOpen admits the request and logs the degradation.
	FailOpen FailMode = "open"
)

// ParseFailMode parses a configured fail mode. Empty means closed.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	}
	return "", fmt.Errorf("unknown fail mode %q (want %q or %q)", s, FailClosed, FailOpen)
}

// Gate runs the rate limiter and the ledger in front of a unit of work,
// applying one storage failure policy to both.
type Gate struct {
	limiter *RateLimiter
	ledger  *Ledger
	tiers   *tier.Registry
	clock   ports.Clock
	mode    FailMode
	metrics ports.Metrics
	logger  zerolog.Logger
}

// GateConfig holds Gate dependencies.
type GateConfig struct {
	Limiter  *RateLimiter
	Ledger   *Ledger
	Tiers    *tier.Registry
	Clock    ports.Clock
	FailMode FailMode
	Metrics  ports.Metrics // optional
	Logger   zerolog.Logger
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) *Gate {
	mode := cfg.FailMode
	if mode == "" {
		mode = FailClosed
	}
	m := cfg.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Gate{
		limiter: cfg.Limiter,
		ledger:  cfg.Ledger,
		tiers:   cfg.Tiers,
		clock:   cfg.Clock,
		mode:    mode,
		metrics: m,
		logger:  cfg.Logger,
	}
}

// FailMode returns the configured storage failure policy.
func (g *Gate) FailMode() FailMode {
	return g.mode
}

// Admit applies the rate limit for userID. A saturated window returns
// *RateLimitError alongside the decision so callers can emit headers.
func (g *Gate) Admit(ctx context.Context, userID string) (ratelimit.Decision, error) {
	d, err := g.limiter.CheckAndIncrement(ctx, userID)
	if err != nil {
		if g.degrade(err, "ratelimit", userID) {
			now := g.clock.Now()
			cfg := g.limiter.Config()
			return ratelimit.Decision{
				Allowed:   true,
				Limit:     cfg.Limit,
				Remaining: cfg.Limit,
				ResetAt:   ratelimit.WindowEnd(now, cfg.Window),
			}, nil
		}
		return ratelimit.Decision{}, err
	}

	g.metrics.RateLimitDecision(d.Allowed)
	if !d.Allowed {
		g.logger.Debug().
			Str("user_id", userID).
			Int("limit", d.Limit).
			Msg("rate limit exceeded")
		return d, &RateLimitError{
			Limit:      d.Limit,
			ResetAt:    d.ResetAt,
			RetryAfter: ratelimit.RetryAfterSeconds(d, g.clock.Now()),
		}
	}
	return d, nil
}

// Consume charges one unit of work to userID's monthly quota.
func (g *Gate) Consume(ctx context.Context, userID, tierID string) (Consumption, error) {
	c, err := g.ledger.Consume(ctx, userID, tierID)
	if err != nil {
		var qe *QuotaExceededError
		if errors.As(err, &qe) {
			g.metrics.QuotaDecision(tierID, false)
			g.logger.Info().
				Str("user_id", userID).
				Str("tier", tierID).
				Int64("usage_count", qe.Count).
				Str("limit", qe.Limit.String()).
				Msg("monthly quota exceeded")
			return Consumption{}, err
		}
		if g.degrade(err, "ledger", userID) {
			limit := g.tiers.DefinitionOf(tierID).Quota
			return Consumption{
				UserID:    userID,
				Tier:      tierID,
				Limit:     limit,
				Remaining: limit,
				Period:    period.Current(g.clock.Now()),
				Degraded:  true,
			}, nil
		}
		return Consumption{}, err
	}

	g.metrics.QuotaDecision(tierID, true)
	return c, nil
}

// Usage returns a read-only usage report. Reads never fail open.
func (g *Gate) Usage(ctx context.Context, userID, tierID string) (UsageReport, error) {
	return g.ledger.Peek(ctx, userID, tierID)
}

// degrade records a storage failure and reports whether the request
// should proceed under the fail-open policy.
func (g *Gate) degrade(err error, op, userID string) bool {
	if !IsStorageError(err) {
		return false
	}
	open := g.mode == FailOpen
	g.metrics.StorageFailure(op, open)
	if open {
		g.logger.Warn().Err(err).
			Str("op", op).
			Str("user_id", userID).
			Msg("storage unavailable, admitting request (fail open)")
		return true
	}
	g.logger.Error().Err(err).
		Str("op", op).
		Str("user_id", userID).
		Msg("storage unavailable, rejecting request (fail closed)")
	return false
}

type nopMetrics struct{}

func (nopMetrics) RateLimitDecision(bool) {}
func (nopMetrics) QuotaDecision(string, bool) {}
func (nopMetrics) StorageFailure(string, bool) {}
func (nopMetrics) WebhookProcessed(string, string) {}
