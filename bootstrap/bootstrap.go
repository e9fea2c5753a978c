// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/quotagate/adapters/auth"
	"github.com/artpar/quotagate/adapters/clock"
	apihttp "github.com/artpar/quotagate/adapters/http"
	"github.com/artpar/quotagate/adapters/identity"
	"github.com/artpar/quotagate/adapters/idgen"
	"github.com/artpar/quotagate/adapters/memory"
	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/adapters/payment"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/config"
	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Version is set at build time.
var Version = "dev"

// App represents the running application.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Tiers      *tier.Registry
	Store      *OpenedStore
	Gate       *app.Gate
	Reconciler *app.Reconciler
	Tokens     *auth.Verifier
	Metrics    *metrics.Collector
	Handler    http.Handler
	HTTPServer *http.Server
}

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	Logger     *zerolog.Logger
	Clock      ports.Clock
	Registry   *prometheus.Registry // nil uses the default registry
	Identities ports.IdentityStore  // overrides identity.mode
}

// NewLogger creates the process logger from cfg.
func NewLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "quotagate").Logger()
}

// New wires the application from a validated configuration.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := NewLogger(cfg.Logging, nil)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	var clk ports.Clock = clock.Real{}
	if opts.Clock != nil {
		clk = opts.Clock
	}

	logger.Info().Str("version", Version).Msg("initializing quotagate")

	tiers, err := config.BuildRegistry(cfg)
	if err != nil {
		return nil, &app.ConfigurationError{Field: "tiers", Reason: err.Error()}
	}
	failMode, err := app.ParseFailMode(cfg.Enforcement.FailMode)
	if err != nil {
		return nil, &app.ConfigurationError{Field: "enforcement.fail_mode", Reason: err.Error()}
	}

	a := &App{Config: cfg, Logger: logger, Tiers: tiers}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if opts.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registry)
			metricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
		} else {
			a.Metrics = metrics.New()
			metricsHandler = promhttp.Handler()
		}
	}
	var m ports.Metrics
	if a.Metrics != nil {
		m = a.Metrics
	}

	a.Store, err = OpenStore(ctx, cfg.Store, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	identities, err := newIdentityStore(cfg.Identity, opts.Identities, logger)
	if err != nil {
		a.Store.Close()
		return nil, err
	}

	verifier, err := payment.NewStripeVerifier(cfg.Billing.WebhookSecret)
	if err != nil {
		a.Store.Close()
		return nil, &app.ConfigurationError{Field: "billing.webhook_secret", Reason: err.Error()}
	}

	pem, err := cfg.Auth.PublicKey()
	if err != nil {
		a.Store.Close()
		return nil, err
	}
	a.Tokens, err = auth.NewVerifier(auth.Config{
		HMACSecret:   cfg.Auth.HMACSecret,
		PublicKeyPEM: pem,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		DefaultTier:  tiers.Default().ID,
		Leeway:       cfg.Auth.Leeway,
	}, clk)
	if err != nil {
		a.Store.Close()
		return nil, &app.ConfigurationError{Field: "auth", Reason: err.Error()}
	}

	limiter := app.NewRateLimiter(a.Store.Store, ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
	}, clk)
	a.Gate = app.NewGate(app.GateConfig{
		Limiter:  limiter,
		Ledger:   app.NewLedger(a.Store.Store, tiers, clk),
		Tiers:    tiers,
		Clock:    clk,
		FailMode: failMode,
		Metrics:  m,
		Logger:   logger.With().Str("component", "gate").Logger(),
	})

	a.Reconciler, err = app.NewReconciler(app.ReconcilerConfig{
		Verifier:   verifier,
		Store:      a.Store.Store,
		Identities: identities,
		Tiers:      tiers,
		Clock:      clk,
		Metrics:    m,
		Logger:     logger.With().Str("component", "reconciler").Logger(),
	})
	if err != nil {
		a.Store.Close()
		return nil, err
	}

	var checkoutProvider ports.CheckoutProvider = payment.NoopCheckout{}
	if cfg.Billing.SecretKey != "" {
		checkoutProvider = payment.NewStripeCheckout(payment.StripeConfig{SecretKey: cfg.Billing.SecretKey})
	} else {
		logger.Warn().Msg("billing.secret_key not set, checkout disabled")
	}
	checkout := app.NewCheckoutService(checkoutProvider, tiers, idgen.UUID{}, logger.With().Str("component", "checkout").Logger())
	if dir, ok := identities.(ports.UserDirectory); ok {
		checkout.WithDirectory(dir)
	}

	var origins *apihttp.OriginPolicy
	if len(cfg.CORS.AllowedOrigins) > 0 || len(cfg.CORS.OriginPatterns) > 0 {
		origins, err = apihttp.NewOriginPolicy(apihttp.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			OriginPatterns: cfg.CORS.OriginPatterns,
		})
		if err != nil {
			a.Store.Close()
			return nil, &app.ConfigurationError{Field: "cors.origin_patterns", Reason: err.Error()}
		}
	}

	a.Handler = apihttp.NewRouter(apihttp.RouterConfig{
		Gate:            a.Gate,
		Tiers:           tiers,
		Verifier:        a.Tokens,
		Checkout:        checkout,
		Reconciler:      a.Reconciler,
		Health:          a.Store.Store,
		Metrics:         a.Metrics,
		MetricsHandler:  metricsHandler,
		Origins:         origins,
		FrontendURL:     cfg.Billing.FrontendURL,
		RequestTimeout:  cfg.Server.RequestTimeout,
		MaxWebhookBytes: cfg.Billing.MaxWebhookBytes,
		Version:         Version,
		Logger:          logger,
	})

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().
		Str("store", cfg.Store.Driver).
		Str("fail_mode", string(failMode)).
		Int("tiers", tiers.Len()).
		Str("default_tier", tiers.Default().ID).
		Int("rate_limit", cfg.RateLimit.Limit).
		Dur("rate_window", cfg.RateLimit.Window).
		Msg("quotagate initialized")

	return a, nil
}

func newIdentityStore(cfg config.IdentityConfig, override ports.IdentityStore, logger zerolog.Logger) (ports.IdentityStore, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Mode {
	case config.IdentityClerk:
		s, err := identity.NewClerkStore(identity.ClerkConfig{
			BaseURL:   cfg.Clerk.BaseURL,
			SecretKey: cfg.Clerk.SecretKey,
			Timeout:   cfg.Clerk.Timeout,
		})
		if err != nil {
			return nil, &app.ConfigurationError{Field: "identity.clerk.secret_key", Reason: err.Error()}
		}
		return s, nil
	case config.IdentityMemory:
		logger.Warn().Msg("using in-memory identity store: tier changes are not propagated to tokens")
		return memory.NewIdentityStore(), nil
	}
	return nil, &app.ConfigurationError{Field: "identity.mode", Reason: fmt.Sprintf("unknown mode %q", cfg.Mode)}
}

// Run starts the HTTP server and blocks until a signal or server error.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the server and releases the store.
func (a *App) Shutdown() error {
	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
			errs = append(errs, err)
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}
