// Package period computes calendar-month billing periods.
// All functions are pure and operate in UTC.
package period

import "time"

// DateLayout is the ISO 8601 date-only layout used for period boundaries.
const DateLayout = "2006-01-02"

// Period is a billing period expressed as inclusive UTC calendar dates (value type).
type Period struct {
	Start string // First day of the month, YYYY-MM-DD
	End   string // Last day of the month, YYYY-MM-DD
}

// Current returns the billing period containing now.
// This is a PURE function.
func Current(now time.Time) Period {
	start, end := Bounds(now)
	return Period{
		Start: start.Format(DateLayout),
		End:   end.Format(DateLayout),
	}
}

// Bounds returns midnight of the first day and midnight of the last day
// of the UTC month containing t.
func Bounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	// Day 0 of next month normalizes to the last day of this month.
	end = time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	return start, end
}

// NeedsReset reports whether a stored period no longer matches the period
// containing now. Missing boundaries always need a reset.
//
// Only the start date is compared. The current start is recomputed on every
// call, so months of any length roll over correctly.
func NeedsReset(storedStart, storedEnd string, now time.Time) bool {
	if storedStart == "" || storedEnd == "" {
		return true
	}
	return Current(now).Start != storedStart
}

// ResetAt returns the instant the period containing now ends
// (midnight UTC on the first day of the following month).
func ResetAt(now time.Time) time.Time {
	start, _ := Bounds(now)
	return start.AddDate(0, 1, 0)
}
