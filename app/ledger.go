package app

import (
	"context"
	"time"

	"github.com/artpar/quotagate/domain/period"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/domain/tier"
	"github.com/artpar/quotagate/domain/usage"
	"github.com/artpar/quotagate/ports"
)

// Consumption is the result of an accepted unit of work.
type Consumption struct {
	UserID    string
	Tier      string
	Count     int64
	Limit     quota.Limit
	Remaining quota.Limit
	Period    period.Period
	// Degraded is set when storage failed and the gate admitted the
	// request under the fail-open policy. Count is then unknown.
	Degraded bool
}

// UsageReport is a read-only view of a user's usage.
type UsageReport struct {
	UserID      string
	Tier        string
	Count       int64
	Limit       quota.Limit
	Remaining   quota.Limit
	PeriodStart string
	PeriodEnd   string
	ResetAt     time.Time
}

// Ledger keeps each user's monthly usage count and enforces the quota
// of the tier named by the caller's verified identity.
//
// Records are read, modified and written back without locking, so
// concurrent requests for one user can both pass at the boundary.
type Ledger struct {
	store ports.KVStore
	tiers *tier.Registry
	clock ports.Clock
}

// NewLedger creates a usage ledger.
func NewLedger(store ports.KVStore, tiers *tier.Registry, clock ports.Clock) *Ledger {
	return &Ledger{store: store, tiers: tiers, clock: clock}
}

// Consume counts one unit of work for userID under tierID.
// When the quota is used up it returns *QuotaExceededError and leaves the
// stored record untouched.
func (l *Ledger) Consume(ctx context.Context, userID, tierID string) (Consumption, error) {
	now := l.clock.Now()

	rec, err := l.load(ctx, userID, tierID, now)
	if err != nil {
		return Consumption{}, err
	}
	rec.Tier = tierID

	limit := l.tiers.DefinitionOf(tierID).Quota
	check := quota.Check(rec.Count, limit)
	if !check.Allowed {
		return Consumption{}, &QuotaExceededError{
			Tier:    tierID,
			Count:   rec.Count,
			Limit:   limit,
			ResetAt: period.ResetAt(now),
		}
	}

	rec.Count++
	rec.LastUpdated = now.UTC()
	if err := l.save(ctx, userID, rec); err != nil {
		return Consumption{}, err
	}

	return Consumption{
		UserID:    userID,
		Tier:      tierID,
		Count:     rec.Count,
		Limit:     limit,
		Remaining: limit.Remaining(rec.Count),
		Period:    rec.Period(),
	}, nil
}

// Peek reports usage for userID under tierID without writing anything.
func (l *Ledger) Peek(ctx context.Context, userID, tierID string) (UsageReport, error) {
	now := l.clock.Now()

	rec, err := l.load(ctx, userID, tierID, now)
	if err != nil {
		return UsageReport{}, err
	}

	limit := l.tiers.DefinitionOf(tierID).Quota
	return UsageReport{
		UserID:      userID,
		Tier:        tierID,
		Count:       rec.Count,
		Limit:       limit,
		Remaining:   limit.Remaining(rec.Count),
		PeriodStart: rec.PeriodStart,
		PeriodEnd:   rec.PeriodEnd,
		ResetAt:     period.ResetAt(now),
	}, nil
}

// load returns the user's record moved into the current period.
// Absent records are synthesized, not written.
func (l *Ledger) load(ctx context.Context, userID, tierID string, now time.Time) (usage.Record, error) {
	key := usage.Key(userID)
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return usage.Record{}, &StorageError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return usage.New(tierID, now), nil
	}
	rec, err := usage.Decode(raw)
	if err != nil {
		return usage.Record{}, &StorageError{Op: "decode", Key: key, Err: err}
	}
	return rec.Rollover(now), nil
}

func (l *Ledger) save(ctx context.Context, userID string, rec usage.Record) error {
	key := usage.Key(userID)
	raw, err := usage.Encode(rec)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}
	if err := l.store.Put(ctx, key, raw, 0); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}
