package usage_test

import (
	"strings"
	"testing"
	"time"

	"github.com/artpar/quotagate/domain/usage"
)

var feb = time.Date(2024, 2, 10, 9, 30, 0, 0, time.UTC)

func TestKey(t *testing.T) {
	if got := usage.Key("user_2abc"); got != "usage:user_2abc" {
		t.Errorf("Key = %s", got)
	}
}

func TestNew(t *testing.T) {
	r := usage.New("free", feb)

	if r.Count != 0 {
		t.Errorf("Count = %d, want 0", r.Count)
	}
	if r.Tier != "free" {
		t.Errorf("Tier = %s, want free", r.Tier)
	}
	if r.PeriodStart != "2024-02-01" || r.PeriodEnd != "2024-02-29" {
		t.Errorf("period = %s..%s", r.PeriodStart, r.PeriodEnd)
	}
	if r.NeedsReset(feb) {
		t.Error("new record must not need a reset")
	}
}

func TestRollover(t *testing.T) {
	jan := usage.Record{
		Count:       5,
		Tier:        "free",
		PeriodStart: "2024-01-01",
		PeriodEnd:   "2024-01-31",
	}

	t.Run("prior period resets", func(t *testing.T) {
		r := jan.Rollover(feb)
		if r.Count != 0 {
			t.Errorf("Count = %d, want 0", r.Count)
		}
		if r.PeriodStart != "2024-02-01" || r.PeriodEnd != "2024-02-29" {
			t.Errorf("period = %s..%s", r.PeriodStart, r.PeriodEnd)
		}
		if r.Tier != "free" {
			t.Errorf("Tier = %s, want free", r.Tier)
		}
	})

	t.Run("same period unchanged", func(t *testing.T) {
		now := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
		if r := jan.Rollover(now); r != jan {
			t.Errorf("Rollover = %+v, want %+v", r, jan)
		}
	})

	t.Run("missing period resets", func(t *testing.T) {
		legacy := usage.Record{Count: 3, Tier: "free"}
		r := legacy.Rollover(feb)
		if r.Count != 0 || r.PeriodStart != "2024-02-01" {
			t.Errorf("Rollover = %+v", r)
		}
	})
}

func TestEncodeDecode_LegacyFieldNames(t *testing.T) {
	raw := `{"usageCount":4,"plan":"pro","lastUpdated":"2024-02-03T10:00:00.000Z","periodStart":"2024-02-01","periodEnd":"2024-02-29"}`

	r, err := usage.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Count != 4 || r.Tier != "pro" {
		t.Errorf("decoded = %+v", r)
	}
	if !r.LastUpdated.Equal(time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("LastUpdated = %v", r.LastUpdated)
	}

	out, err := usage.Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, field := range []string{`"usageCount":4`, `"plan":"pro"`, `"periodStart":"2024-02-01"`} {
		if !strings.Contains(out, field) {
			t.Errorf("encoded %s missing %s", out, field)
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := usage.Decode("not json"); err == nil {
		t.Error("expected error for malformed record")
	}

	r, err := usage.Decode(`{"usageCount":-2,"plan":"free"}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Count != 0 {
		t.Errorf("Count = %d, want 0", r.Count)
	}
}
