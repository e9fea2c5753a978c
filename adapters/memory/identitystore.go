package memory

import (
	"context"
	"sync"

	"github.com/artpar/quotagate/ports"
)

// IdentityStore keeps tier metadata in memory. Fields left empty in an
// update keep their previous value, matching the merge semantics of
// hosted identity providers.
type IdentityStore struct {
	mu     sync.RWMutex
	users  map[string]ports.TierAssignment
	emails map[string]string
	calls  int
}

// NewIdentityStore creates an empty store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		users:  make(map[string]ports.TierAssignment),
		emails: make(map[string]string),
	}
}

// UpdateTier merges a into the user's metadata.
func (s *IdentityStore) UpdateTier(ctx context.Context, userID string, a ports.TierAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.users[userID]
	if a.Tier != "" {
		cur.Tier = a.Tier
	}
	if a.CustomerID != "" {
		cur.CustomerID = a.CustomerID
	}
	if a.Canceled {
		cur.SubscriptionID = ""
	} else if a.SubscriptionID != "" {
		cur.SubscriptionID = a.SubscriptionID
	}
	s.users[userID] = cur
	s.calls++
	return nil
}

// Get returns the stored metadata for userID.
func (s *IdentityStore) Get(userID string) (ports.TierAssignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.users[userID]
	return a, ok
}

// SetEmail records the primary email for userID.
func (s *IdentityStore) SetEmail(userID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[userID] = email
}

// PrimaryEmail returns the email set for userID, or "".
func (s *IdentityStore) PrimaryEmail(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emails[userID], nil
}

// Updates returns how many updates were applied.
func (s *IdentityStore) Updates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

var (
	_ ports.IdentityStore = (*IdentityStore)(nil)
	_ ports.UserDirectory = (*IdentityStore)(nil)
)
