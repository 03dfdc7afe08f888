package models

import (
	"testing"
	"time"
)

func TestMatchStatusTransitions(t *testing.T) {
	cases := []struct {
		from    MatchStatus
		to      MatchStatus
		allowed bool
	}{
		{MatchStatusUndecided, MatchStatusActive, true},
		{MatchStatusUndecided, MatchStatusSkipped, true},
		{MatchStatusUndecided, MatchStatusBid, true},
		{MatchStatusUndecided, MatchStatusWaitlist, true},
		{MatchStatusActive, MatchStatusBid, true},
		{MatchStatusActive, MatchStatusSkipped, true},
		{MatchStatusActive, MatchStatusWaitlist, true},
		{MatchStatusWaitlist, MatchStatusActive, true},
		{MatchStatusWaitlist, MatchStatusBid, true},

		// Terminal decisions stay decided.
		{MatchStatusBid, MatchStatusActive, false},
		{MatchStatusBid, MatchStatusSkipped, false},
		{MatchStatusSkipped, MatchStatusActive, false},
		{MatchStatusSkipped, MatchStatusBid, false},
		// Never back to undecided.
		{MatchStatusActive, MatchStatusUndecided, false},
		{MatchStatusBid, MatchStatusUndecided, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.allowed {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestCreditWindowStartBucketsConsistently(t *testing.T) {
	window := time.Hour

	a := time.Date(2026, 8, 30, 14, 3, 12, 0, time.UTC)
	b := time.Date(2026, 8, 30, 14, 59, 59, 0, time.UTC)
	c := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)

	if CreditWindowStart(a, window) != CreditWindowStart(b, window) {
		t.Fatal("timestamps in the same hour must share a window start")
	}
	if CreditWindowStart(b, window) == CreditWindowStart(c, window) {
		t.Fatal("timestamps in different hours must not share a window start")
	}
	want := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	if got := CreditWindowStart(a, window); !got.Equal(want) {
		t.Fatalf("window start = %s, want %s", got, want)
	}

	// Non-UTC input lands in the same bucket as its UTC equivalent.
	loc := time.FixedZone("UTC-5", -5*60*60)
	local := a.In(loc)
	if !CreditWindowStart(local, window).Equal(want) {
		t.Fatal("window bucketing must be zone independent")
	}
}
