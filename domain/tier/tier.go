// Package tier provides subscription tier definitions and the immutable
// registry consulted by the ledger, checkout, and the public price list.
package tier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/artpar/quotagate/domain/quota"
)

// Registry construction errors.
var (
	ErrNoTiers        = errors.New("no tier definitions")
	ErrEmptyID        = errors.New("tier id is empty")
	ErrDuplicateID    = errors.New("duplicate tier id")
	ErrUnknownDefault = errors.New("default tier is not defined")
	ErrNegativePrice  = errors.New("tier price is negative")
	ErrUnlimitedCount = errors.New("exactly one tier must have an unlimited quota")
)

// Definition describes one subscription tier (immutable value type).
type Definition struct {
	ID           string
	DisplayName  string
	MonthlyPrice int64 // cents
	Quota        quota.Limit
	// BillingPriceRef is the billing provider's price identifier.
	// Empty means the tier is listed but cannot be purchased.
	BillingPriceRef string
}

// Purchasable reports whether checkout can be started for the tier.
func (d Definition) Purchasable() bool {
	return d.BillingPriceRef != ""
}

// Listing is the public view of a tier.
type Listing struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Price      float64     `json:"price"`
	PriceCents int64       `json:"priceCents"`
	Limit      quota.Limit `json:"limit"`
	HasPriceID bool        `json:"hasPriceId"`
}

// Registry is an immutable set of tier definitions.
// It is safe for concurrent use.
type Registry struct {
	byID      map[string]Definition
	ordered   []Definition
	defaultID string
}

// NewRegistry validates defs and builds a registry. defaultID names the
// tier assigned when a subscription ends or a token carries no tier; an
// empty defaultID selects the cheapest tier.
func NewRegistry(defs []Definition, defaultID string) (*Registry, error) {
	if len(defs) == 0 {
		return nil, ErrNoTiers
	}

	byID := make(map[string]Definition, len(defs))
	ordered := make([]Definition, 0, len(defs))
	unlimited := 0
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("tier %d: %w", i, ErrEmptyID)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("tier %q: %w", d.ID, ErrDuplicateID)
		}
		if d.MonthlyPrice < 0 {
			return nil, fmt.Errorf("tier %q: %w", d.ID, ErrNegativePrice)
		}
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		if d.Quota.IsUnlimited() {
			unlimited++
		}
		byID[d.ID] = d
		ordered = append(ordered, d)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return Cheaper(ordered[i].MonthlyPrice, ordered[i].ID, ordered[j].MonthlyPrice, ordered[j].ID)
	})

	if defaultID == "" {
		defaultID = ordered[0].ID
	}
	if _, ok := byID[defaultID]; !ok {
		return nil, fmt.Errorf("tier %q: %w", defaultID, ErrUnknownDefault)
	}
	if unlimited != 1 {
		return nil, fmt.Errorf("%d unlimited tiers: %w", unlimited, ErrUnlimitedCount)
	}

	return &Registry{byID: byID, ordered: ordered, defaultID: defaultID}, nil
}

// Cheaper reports whether tier a sorts before tier b in the price list:
// lower price first, ties broken by id.
func Cheaper(priceA int64, idA string, priceB int64, idB string) bool {
	if priceA != priceB {
		return priceA < priceB
	}
	return idA < idB
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// DefinitionOf returns the definition for id. Unknown ids resolve to a
// zero-quota definition so a stale or forged tier never gains access.
func (r *Registry) DefinitionOf(id string) Definition {
	if d, ok := r.byID[id]; ok {
		return d
	}
	return Definition{ID: id, DisplayName: id, Quota: quota.Of(0)}
}

// Default returns the tier assigned when a subscription ends.
func (r *Registry) Default() Definition {
	return r.byID[r.defaultID]
}

// Purchasable returns the definition for id when it is known and has a
// billing price reference.
func (r *Registry) Purchasable(id string) (Definition, bool) {
	d, ok := r.byID[id]
	if !ok || !d.Purchasable() {
		return Definition{}, false
	}
	return d, true
}

// List returns the public tier listing ordered by ascending price.
func (r *Registry) List() []Listing {
	out := make([]Listing, 0, len(r.ordered))
	for _, d := range r.ordered {
		out = append(out, Listing{
			ID:         d.ID,
			Name:       d.DisplayName,
			Price:      float64(d.MonthlyPrice) / 100,
			PriceCents: d.MonthlyPrice,
			Limit:      d.Quota,
			HasPriceID: d.Purchasable(),
		})
	}
	return out
}

// Len returns the number of tiers.
func (r *Registry) Len() int {
	return len(r.ordered)
}
