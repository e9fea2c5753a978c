// Package metrics provides Prometheus metrics for the gate.
package metrics

import (
	"github.com/artpar/quotagate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotagate"

// Collector holds all Prometheus metrics and implements ports.Metrics.
type Collector struct {
	// HTTP
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	AuthFailures     *prometheus.CounterVec

	// Gate
	RateLimitDecisions *prometheus.CounterVec
	QuotaDecisions     *prometheus.CounterVec
	StorageFailures    *prometheus.CounterVec

	// Billing
	WebhookEvents *prometheus.CounterVec
}

// New registers metrics with the default registerer.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status.",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served.",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected bearer tokens.",
			},
			[]string{"reason"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions.",
			},
			[]string{"result"},
		),
		QuotaDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Monthly quota decisions by tier.",
			},
			[]string{"tier", "result"},
		),
		StorageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_failures_total",
				Help:      "Key-value store failures seen by the gate, by operation and applied policy.",
			},
			[]string{"op", "policy"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Billing webhook events by kind and final state.",
			},
			[]string{"kind", "state"},
		),
	}
}

// RateLimitDecision counts a rate limiter decision.
func (c *Collector) RateLimitDecision(allowed bool) {
	c.RateLimitDecisions.WithLabelValues(result(allowed)).Inc()
}

// QuotaDecision counts a quota decision for tier.
func (c *Collector) QuotaDecision(tier string, allowed bool) {
	c.QuotaDecisions.WithLabelValues(tier, result(allowed)).Inc()
}

// StorageFailure counts a storage failure and the policy applied to it.
func (c *Collector) StorageFailure(op string, failOpen bool) {
	policy := "closed"
	if failOpen {
		policy = "open"
	}
	c.StorageFailures.WithLabelValues(op, policy).Inc()
}

// WebhookProcessed counts a webhook event reaching a terminal state.
func (c *Collector) WebhookProcessed(kind, state string) {
	if kind == "" {
		kind = "unverified"
	}
	c.WebhookEvents.WithLabelValues(kind, state).Inc()
}

func result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

var _ ports.Metrics = (*Collector)(nil)
