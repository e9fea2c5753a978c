// Package usage provides the per-user monthly usage record (value type)
// and its storage encoding.
package usage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/artpar/quotagate/domain/period"
)

// KeyPrefix namespaces usage records in the shared key-value store.
const KeyPrefix = "usage:"

// Key returns the store key for a user's usage record.
func Key(userID string) string {
	return KeyPrefix + userID
}

// Record is a user's consumption in the current billing period.
// JSON field names match the records already persisted by earlier
// deployments, so existing data keeps decoding.
type Record struct {
	Count       int64     `json:"usageCount"`
	Tier        string    `json:"plan"`
	LastUpdated time.Time `json:"lastUpdated"`
	PeriodStart string    `json:"periodStart,omitempty"`
	PeriodEnd   string    `json:"periodEnd,omitempty"`
}

// New returns a zero record for the period containing now.
func New(tier string, now time.Time) Record {
	p := period.Current(now)
	return Record{
		Tier:        tier,
		LastUpdated: now.UTC(),
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
	}
}

// NeedsReset reports whether the record belongs to an earlier (or unknown) period.
func (r Record) NeedsReset(now time.Time) bool {
	return period.NeedsReset(r.PeriodStart, r.PeriodEnd, now)
}

// Rollover returns the record moved into the period containing now.
// Records already in that period are returned unchanged.
func (r Record) Rollover(now time.Time) Record {
	if !r.NeedsReset(now) {
		return r
	}
	p := period.Current(now)
	r.Count = 0
	r.PeriodStart = p.Start
	r.PeriodEnd = p.End
	return r
}

// Period returns the record's billing period.
func (r Record) Period() period.Period {
	return period.Period{Start: r.PeriodStart, End: r.PeriodEnd}
}

// Encode serializes the record for storage.
func Encode(r Record) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode usage record: %w", err)
	}
	return string(data), nil
}

// Decode parses a stored record. A negative count is treated as 0.
func Decode(raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("decode usage record: %w", err)
	}
	if r.Count < 0 {
		r.Count = 0
	}
	return r, nil
}
