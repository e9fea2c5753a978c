// Package quota provides pure functions for monthly quota enforcement.
// All functions are deterministic with no side effects.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnlimitedLiteral is the textual form of an unlimited quota in config and JSON.
const UnlimitedLiteral = "unlimited"

// Reasons for denial
const (
	ReasonQuotaExceeded = "quota_exceeded"
)

// Limit is a request quota: either a finite count or unlimited (value type).
// Unlimited is a distinct state, not a numeric sentinel. The zero value is
// a finite limit of 0, so an unset limit denies everything.
type Limit struct {
	n         int64
	unlimited bool
}

// Of returns a finite limit. Negative values clamp to 0.
func Of(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{n: n}
}

// Unlimited returns the unlimited limit.
func Unlimited() Limit {
	return Limit{unlimited: true}
}

// Parse reads a limit from its textual form: a non-negative integer or "unlimited".
func Parse(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, UnlimitedLiteral) {
		return Unlimited(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Limit{}, fmt.Errorf("quota %q: must be an integer or %q", s, UnlimitedLiteral)
	}
	if n < 0 {
		return Limit{}, fmt.Errorf("quota %d: must not be negative", n)
	}
	return Of(n), nil
}

// IsUnlimited reports whether the limit is unlimited.
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the finite count and false for unlimited limits.
func (l Limit) Value() (int64, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.n, true
}

// Exceeded reports whether count has reached a finite limit.
func (l Limit) Exceeded(count int64) bool {
	return !l.unlimited && count >= l.n
}

// Remaining returns what is left after count: unlimited stays unlimited,
// finite limits never go below 0.
func (l Limit) Remaining(count int64) Limit {
	if l.unlimited {
		return l
	}
	return Of(l.n - count)
}

// String returns the textual form.
func (l Limit) String() string {
	if l.unlimited {
		return UnlimitedLiteral
	}
	return strconv.FormatInt(l.n, 10)
}

// MarshalJSON encodes finite limits as numbers and unlimited as "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return json.Marshal(UnlimitedLiteral)
	}
	return json.Marshal(l.n)
}

// UnmarshalJSON accepts a number or the string "unlimited".
func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("quota: expected integer or \"unlimited\"")
	}
	if n < 0 {
		return fmt.Errorf("quota %d: must not be negative", n)
	}
	*l = Of(n)
	return nil
}

// CheckResult represents the outcome of a quota check (value type).
type CheckResult struct {
	Allowed   bool
	Count     int64 // Usage before this request
	Limit     Limit
	Remaining Limit // Remaining before this request
	Reason    string
}

// Check decides whether one more unit may be consumed at count.
// This is a PURE function - no side effects.
func Check(count int64, limit Limit) CheckResult {
	result := CheckResult{
		Count:     count,
		Limit:     limit,
		Remaining: limit.Remaining(count),
	}
	if limit.Exceeded(count) {
		result.Reason = ReasonQuotaExceeded
		return result
	}
	result.Allowed = true
	return result
}
