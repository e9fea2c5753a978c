// Package auth verifies bearer tokens issued by the identity provider and
// turns them into the {user, tier} pair the gate trusts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotagate/ports"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the token claims the gate reads. Subject is the user id;
// Plan is the tier copied from the user's public metadata.
type Claims struct {
	Plan string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// Config configures token verification. Exactly one of HMACSecret or
// PublicKeyPEM is used; the public key wins when both are set.
type Config struct {
	HMACSecret   string
	PublicKeyPEM string
	Issuer       string
	Audience     string
	DefaultTier  string
	Leeway       time.Duration
}

// Verifier implements ports.TokenVerifier. It is safe for concurrent use.
type Verifier struct {
	key         any
	method      jwt.SigningMethod
	parser      *jwt.Parser
	defaultTier string
	issuer      string
	audience    string
	clock       ports.Clock
}

// NewVerifier creates a verifier from cfg.
func NewVerifier(cfg Config, clock ports.Clock) (*Verifier, error) {
	v := &Verifier{
		defaultTier: cfg.DefaultTier,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		clock:       clock,
	}

	switch {
	case cfg.PublicKeyPEM != "":
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		v.key, v.method = pub, jwt.SigningMethodRS256
	case cfg.HMACSecret != "":
		v.key, v.method = []byte(cfg.HMACSecret), jwt.SigningMethodHS256
	default:
		return nil, errors.New("no token verification key configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(clock.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Verify parses and validates token. A token without a plan claim maps
// to the default tier.
func (v *Verifier) Verify(ctx context.Context, token string) (ports.Identity, error) {
	if token == "" {
		return ports.Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return ports.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return ports.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	tier := claims.Plan
	if tier == "" {
		tier = v.defaultTier
	}
	return ports.Identity{UserID: claims.Subject, Tier: tier}, nil
}

// Issue signs a token for userID and tier. Only HMAC verifiers can issue;
// it exists for local development and tests.
func (v *Verifier) Issue(userID, tier string, ttl time.Duration) (string, error) {
	if _, ok := v.key.([]byte); !ok {
		return "", errors.New("token issuing requires an HMAC secret")
	}
	now := v.clock.Now()
	claims := Claims{
		Plan: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(v.method, claims).SignedString(v.key)
}

var _ ports.TokenVerifier = (*Verifier)(nil)
