// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/domain/ratelimit"
	"github.com/artpar/quotagate/domain/tier"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Identity modes
const (
	IdentityClerk  = "clerk"
	IdentityMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUOTAGATE_"

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Store       StoreConfig       `yaml:"store"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Tiers       []TierConfig      `yaml:"tiers"`
	DefaultTier string            `yaml:"default_tier"`
	Billing     BillingConfig     `yaml:"billing"`
	Identity    IdentityConfig    `yaml:"identity"`
	Auth        AuthConfig        `yaml:"auth"`
	CORS        CORSConfig        `yaml:"cors"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// StoreConfig selects the key-value backend shared by the rate limiter,
// the usage ledger and webhook idempotency records.
type StoreConfig struct {
	Driver string       `yaml:"driver"` // "memory", "redis" or "sqlite"
	Redis  RedisConfig  `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path          string        `yaml:"path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig configures the per-user fixed window.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// EnforcementConfig configures what happens when storage fails.
type EnforcementConfig struct {
	FailMode string `yaml:"fail_mode"` // "closed" or "open"
}

// TierConfig configures a pricing tier.
type TierConfig struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	PriceCents int64      `yaml:"price_cents"`
	Quota      QuotaValue `yaml:"quota"`
	PriceID    string     `yaml:"price_id,omitempty"`
}

// QuotaValue decodes a monthly quota written as an integer or "unlimited".
type QuotaValue struct {
	quota.Limit
	set bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (q *QuotaValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: quota must be an integer or %q", node.Line, quota.UnlimitedLiteral)
	}
	l, err := quota.Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	q.Limit, q.set = l, true
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (q QuotaValue) MarshalYAML() (any, error) {
	if n, ok := q.Value(); ok {
		return n, nil
	}
	return quota.UnlimitedLiteral, nil
}

// BillingConfig configures the billing provider.
type BillingConfig struct {
	WebhookSecret   string `yaml:"webhook_secret"`
	SecretKey       string `yaml:"secret_key,omitempty"` // empty disables checkout
	FrontendURL     string `yaml:"frontend_url"`
	MaxWebhookBytes int64  `yaml:"max_webhook_bytes"`
}

// IdentityConfig configures where tier changes are written.
type IdentityConfig struct {
	Mode  string      `yaml:"mode"` // "clerk" or "memory"
	Clerk ClerkConfig `yaml:"clerk"`
}

// ClerkConfig configures the Clerk backend API.
type ClerkConfig struct {
	BaseURL   string        `yaml:"base_url"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret    string        `yaml:"hmac_secret,omitempty"`
	PublicKeyFile string        `yaml:"public_key_file,omitempty"`
	PublicKeyPEM  string        `yaml:"public_key_pem,omitempty"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
}

// CORSConfig configures allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	OriginPatterns []string `yaml:"origin_patterns"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds configuration from YAML bytes, applying environment
// expansion, overrides, defaults and validation.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	QUOTAGATE_BILLING_WEBHOOK_SECRET  - webhook signing secret (required)
//	QUOTAGATE_TIERS                   - id:quota[:price_cents[:price_id]],...
//	QUOTAGATE_DEFAULT_TIER            - tier for tokens without a plan claim
//	QUOTAGATE_AUTH_HMAC_SECRET        - HS256 token secret
//	QUOTAGATE_STORE_DRIVER            - memory, redis or sqlite
//	QUOTAGATE_REDIS_URL               - redis://host:port/db
//	QUOTAGATE_SQLITE_PATH             - database file
//	QUOTAGATE_FAIL_MODE               - closed or open
//	QUOTAGATE_IDENTITY_MODE           - clerk or memory
//	QUOTAGATE_CLERK_SECRET_KEY        - Clerk backend key
//	QUOTAGATE_ALLOWED_ORIGINS         - comma separated origins
func LoadFromEnv() (*Config, error) {
	cfg := Config{Metrics: MetricsConfig{Enabled: true}}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithFallback tries the file first, then the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, &app.ConfigurationError{
		Reason: fmt.Sprintf("no configuration found: provide %s or set %sBILLING_WEBHOOK_SECRET and %sTIERS", path, EnvPrefix, EnvPrefix),
	}
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv(EnvPrefix+"BILLING_WEBHOOK_SECRET") != "" && os.Getenv(EnvPrefix+"TIERS") != ""
}

func env(name string) string {
	return os.Getenv(EnvPrefix + name)
}

// applyEnvOverrides applies QUOTAGATE_* environment variables.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) error {
	// Server configuration
	if v := env("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := env("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := env("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.RequestTimeout = d
		}
	}

	// Logging configuration
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Store configuration
	if v := env("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := env("REDIS_URL"); v != "" {
		cfg.Store.Redis.URL = v
	}
	if v := env("SQLITE_PATH"); v != "" {
		cfg.Store.SQLite.Path = v
	}

	// Enforcement configuration
	if v := env("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Limit = n
		}
	}
	if v := env("FAIL_MODE"); v != "" {
		cfg.Enforcement.FailMode = v
	}

	// Tiers
	if v := env("TIERS"); v != "" {
		tiers, err := ParseTiers(v)
		if err != nil {
			return &app.ConfigurationError{Field: EnvPrefix + "TIERS", Reason: err.Error()}
		}
		cfg.Tiers = tiers
	}
	if v := env("DEFAULT_TIER"); v != "" {
		cfg.DefaultTier = v
	}

	// Billing configuration
	if v := env("BILLING_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.WebhookSecret = v
	}
	if v := env("BILLING_SECRET_KEY"); v != "" {
		cfg.Billing.SecretKey = v
	}
	if v := env("FRONTEND_URL"); v != "" {
		cfg.Billing.FrontendURL = v
	}

	// Identity configuration
	if v := env("IDENTITY_MODE"); v != "" {
		cfg.Identity.Mode = v
	}
	if v := env("CLERK_SECRET_KEY"); v != "" {
		cfg.Identity.Clerk.SecretKey = v
	}

	// Auth configuration
	if v := env("AUTH_HMAC_SECRET"); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := env("AUTH_PUBLIC_KEY_FILE"); v != "" {
		cfg.Auth.PublicKeyFile = v
	}
	if v := env("AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}

	// CORS configuration
	if v := env("ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}

	// Metrics configuration
	if v := env("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	return nil
}

// ParseTiers parses a compact tier list: "id:quota[:price_cents[:price_id]]"
// entries separated by commas.
func ParseTiers(s string) ([]TierConfig, error) {
	var tiers []TierConfig
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("tier %q: want id:quota[:price_cents[:price_id]]", entry)
		}
		l, err := quota.Parse(parts[1])
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", parts[0], err)
		}
		tc := TierConfig{ID: parts[0], Quota: QuotaValue{Limit: l, set: true}}
		if len(parts) > 2 && parts[2] != "" {
			price, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("tier %q: price_cents %q is not an integer", parts[0], parts[2])
			}
			tc.PriceCents = price
		}
		if len(parts) > 3 {
			tc.PriceID = parts[3]
		}
		tiers = append(tiers, tc)
	}
	return tiers, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = "quotagate.db"
	}
	if cfg.Store.SQLite.SweepInterval == 0 {
		cfg.Store.SQLite.SweepInterval = 10 * time.Minute
	}

	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = ratelimit.DefaultLimit
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = ratelimit.DefaultWindow
	}

	if cfg.Enforcement.FailMode == "" {
		cfg.Enforcement.FailMode = string(app.FailClosed)
	}

	if cfg.DefaultTier == "" && len(cfg.Tiers) > 0 {
		cheapest := cfg.Tiers[0]
		for _, t := range cfg.Tiers[1:] {
			if tier.Cheaper(t.PriceCents, t.ID, cheapest.PriceCents, cheapest.ID) {
				cheapest = t
			}
		}
		cfg.DefaultTier = cheapest.ID
	}

	if cfg.Billing.MaxWebhookBytes == 0 {
		cfg.Billing.MaxWebhookBytes = 1 << 20
	}

	if cfg.Identity.Mode == "" {
		cfg.Identity.Mode = IdentityClerk
	}
	if cfg.Identity.Clerk.Timeout == 0 {
		cfg.Identity.Clerk.Timeout = 10 * time.Second
	}

	if cfg.Auth.Leeway == 0 {
		cfg.Auth.Leeway = 5 * time.Second
	}
}

// Validate checks cfg. Every failure is a *app.ConfigurationError and is
// fatal: the process must not serve requests with it.
func Validate(cfg *Config) error {
	bad := func(field, format string, args ...any) error {
		return &app.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if cfg.Billing.WebhookSecret == "" {
		return bad("billing.webhook_secret", "is required")
	}

	if len(cfg.Tiers) == 0 {
		return bad("tiers", "at least one tier is required")
	}
	for i, t := range cfg.Tiers {
		if t.ID == "" {
			return bad(fmt.Sprintf("tiers[%d].id", i), "is required")
		}
		if !t.Quota.set {
			return bad(fmt.Sprintf("tiers[%d].quota", i), "is required for tier %q", t.ID)
		}
	}
	if _, err := BuildRegistry(cfg); err != nil {
		return bad("tiers", "%v", err)
	}

	switch cfg.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverRedis:
		if cfg.Store.Redis.URL == "" {
			return bad("store.redis.url", "is required when store.driver is %q", DriverRedis)
		}
	default:
		return bad("store.driver", "must be one of %s, %s, %s; got %q", DriverMemory, DriverRedis, DriverSQLite, cfg.Store.Driver)
	}

	if cfg.RateLimit.Limit < 1 {
		return bad("rate_limit.limit", "must be positive, got %d", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window < time.Second {
		return bad("rate_limit.window", "must be at least 1s, got %s", cfg.RateLimit.Window)
	}

	if _, err := app.ParseFailMode(cfg.Enforcement.FailMode); err != nil {
		return bad("enforcement.fail_mode", "%v", err)
	}

	switch cfg.Identity.Mode {
	case IdentityClerk:
		if cfg.Identity.Clerk.SecretKey == "" {
			return bad("identity.clerk.secret_key", "is required when identity.mode is %q", IdentityClerk)
		}
	case IdentityMemory:
	default:
		return bad("identity.mode", "must be %q or %q, got %q", IdentityClerk, IdentityMemory, cfg.Identity.Mode)
	}

	if cfg.Auth.HMACSecret == "" && cfg.Auth.PublicKeyFile == "" && cfg.Auth.PublicKeyPEM == "" {
		return bad("auth", "one of hmac_secret, public_key_file or public_key_pem is required")
	}

	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		if cfg.Logging.Level == lvl {
			return nil
		}
	}
	return bad("logging.level", "must be debug, info, warn or error, got %q", cfg.Logging.Level)
}

// BuildRegistry converts the configured tiers into a registry.
func BuildRegistry(cfg *Config) (*tier.Registry, error) {
	defs := make([]tier.Definition, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		defs = append(defs, tier.Definition{
			ID:              t.ID,
			DisplayName:     t.Name,
			MonthlyPrice:    t.PriceCents,
			Quota:           t.Quota.Limit,
			BillingPriceRef: t.PriceID,
		})
	}
	return tier.NewRegistry(defs, cfg.DefaultTier)
}

// PublicKey returns the RS256 verification key, reading PublicKeyFile
// when no inline PEM is set.
func (a AuthConfig) PublicKey() (string, error) {
	if a.PublicKeyPEM != "" || a.PublicKeyFile == "" {
		return a.PublicKeyPEM, nil
	}
	data, err := os.ReadFile(a.PublicKeyFile)
	if err != nil {
		return "", &app.ConfigurationError{Field: "auth.public_key_file", Reason: err.Error()}
	}
	return string(data), nil
}
