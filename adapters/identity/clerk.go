package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/artpar/quotagate/ports"
)

// DefaultClerkURL is the Clerk Backend API base URL.
const DefaultClerkURL = "https://api.clerk.com"

// Public metadata keys. Session tokens are templated to expose "plan".
const (
	MetadataPlan           = "plan"
	MetadataCustomerID     = "stripeCustomerId"
	MetadataSubscriptionID = "subscriptionId"
)

// ErrMissingSecretKey is returned when no API key is configured.
var ErrMissingSecretKey = errors.New("identity provider secret key is not configured")

// ClerkConfig configures the Clerk metadata client.
type ClerkConfig struct {
	BaseURL    string
	SecretKey  string
	Timeout    time.Duration
	HTTPClient *http.Client // optional
}

// ClerkStore implements ports.IdentityStore with the user metadata
// endpoint, which deep-merges the submitted keys into existing metadata.
type ClerkStore struct {
	client *client
}

// NewClerkStore creates a Clerk-backed identity store.
func NewClerkStore(cfg ClerkConfig) (*ClerkStore, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingSecretKey
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultClerkURL
	}
	return &ClerkStore{client: newClient(base, cfg.SecretKey, cfg.Timeout, cfg.HTTPClient)}, nil
}

type metadataUpdate struct {
	PublicMetadata map[string]any `json:"public_metadata"`
}

// UpdateTier writes the tier and any billing references into the user's
// public metadata. Empty fields are left unchanged; a cancellation sends
// a null subscription id, which the merge removes.
func (s *ClerkStore) UpdateTier(ctx context.Context, userID string, a ports.TierAssignment) error {
	if userID == "" {
		return errors.New("user id is empty")
	}
	meta := map[string]any{MetadataPlan: a.Tier}
	if a.CustomerID != "" {
		meta[MetadataCustomerID] = a.CustomerID
	}
	switch {
	case a.Canceled:
		meta[MetadataSubscriptionID] = nil
	case a.SubscriptionID != "":
		meta[MetadataSubscriptionID] = a.SubscriptionID
	}
	path := "/v1/users/" + url.PathEscape(userID) + "/metadata"
	err := s.client.do(ctx, http.MethodPatch, path, metadataUpdate{PublicMetadata: meta}, nil)
	if isNotFound(err) {
		return fmt.Errorf("%w: %s: %w", ports.ErrUnknownUser, userID, err)
	}
	return err
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type user struct {
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
}

// PrimaryEmail returns the user's primary email address, or "" when the
// user has none.
func (s *ClerkStore) PrimaryEmail(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	var u user
	err := s.client.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID), nil, &u)
	if isNotFound(err) {
		return "", fmt.Errorf("%w: %s: %w", ports.ErrUnknownUser, userID, err)
	}
	if err != nil {
		return "", err
	}
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress, nil
		}
	}
	return "", nil
}

var (
	_ ports.IdentityStore = (*ClerkStore)(nil)
	_ ports.UserDirectory = (*ClerkStore)(nil)
)
