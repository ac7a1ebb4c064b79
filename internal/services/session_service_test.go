package services

import (
	"testing"
	"time"
)

func TestNormalizeGateTTLNeverInheritsSessionTTL(t *testing.T) {
	cases := []struct {
		name       string
		configured time.Duration
		want       time.Duration
	}{
		{"configured value wins", 45 * time.Second, 45 * time.Second},
		{"zero falls back to default", 0, defaultGateTTL},
		{"negative falls back to default", -time.Minute, defaultGateTTL},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeGateTTL(tc.configured); got != tc.want {
				t.Errorf("normalizeGateTTL(%v) = %v, want %v", tc.configured, got, tc.want)
			}
		})
	}

	// The gate must always free a wedged session long before it expires.
	sessionTTL := 6 * time.Hour
	if normalizeGateTTL(0) >= sessionTTL {
		t.Errorf("Default gate TTL %v must stay far below the session TTL", normalizeGateTTL(0))
	}
}

func TestStartCursorPinsDollarToConcreteID(t *testing.T) {
	cases := []struct {
		name     string
		lastID   string
		newestID string
		want     string
	}{
		{"explicit cursor is kept", "1700000000000-5", "1700000001000-0", "1700000000000-5"},
		{"dollar pins to the newest entry", "$", "1700000001000-0", "1700000001000-0"},
		{"empty pins to the newest entry", "", "1700000001000-0", "1700000001000-0"},
		{"dollar on an empty stream reads from the start", "$", "", "0"},
		{"empty on an empty stream reads from the start", "", "", "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := startCursor(tc.lastID, tc.newestID)
			if got != tc.want {
				t.Errorf("startCursor(%q, %q) = %q, want %q", tc.lastID, tc.newestID, got, tc.want)
			}
			// A resolved cursor can be fed back without re-opening a gap.
			if got == "$" {
				t.Errorf("startCursor must never return the re-evaluating %q cursor", "$")
			}
		})
	}
}
