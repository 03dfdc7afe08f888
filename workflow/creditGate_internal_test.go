package workflow

import (
	"testing"
	"time"

	"github.com/haulflow/dispatch_backend/models"
)

func TestLeaderIsStale(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name  string
		row   models.BrokerCreditCheck
		stale bool
	}{
		{
			name: "fresh claim is not stale",
			row: models.BrokerCreditCheck{
				LeaderClaimedAt: now.Add(-time.Minute),
				UpdatedAt:       now.Add(-time.Minute),
			},
			stale: false,
		},
		{
			name: "decided row is never stale",
			row: models.BrokerCreditCheck{
				Decided:         true,
				LeaderClaimedAt: now.Add(-time.Hour),
				UpdatedAt:       now.Add(-time.Hour),
			},
			stale: false,
		},
		{
			// Contender-count bumps keep refreshing updated_at under sustained
			// contention; the claim timestamp is the only honest signal that the
			// leader went away.
			name: "old claim is stale even when contenders keep the row warm",
			row: models.BrokerCreditCheck{
				LeaderClaimedAt: now.Add(-10 * time.Minute),
				UpdatedAt:       now.Add(-time.Second),
			},
			stale: true,
		},
		{
			name: "claim just inside the window is not stale",
			row: models.BrokerCreditCheck{
				LeaderClaimedAt: now.Add(-leaderStaleAfter + time.Second),
				UpdatedAt:       now.Add(-leaderStaleAfter + time.Second),
			},
			stale: false,
		},
	}

	for _, tc := range cases {
		if got := leaderIsStale(&tc.row, now); got != tc.stale {
			t.Errorf("%s: leaderIsStale = %v, want %v", tc.name, got, tc.stale)
		}
	}
}
