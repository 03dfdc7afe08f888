package workflow

import (
	"testing"

	"github.com/haulflow/dispatch_backend/models"
	"github.com/shopspring/decimal"
)

func TestScoreMatchMonotonicInDistance(t *testing.T) {
	prev := decimal.NewFromInt(1 << 30)
	for _, d := range []float64{0, 1, 5, 25, 50, 100, 250, 500} {
		score := ScoreMatch(d, nil)
		if score.Sign() <= 0 {
			t.Fatalf("score at distance %v must be positive, got %s", d, score)
		}
		if !score.LessThan(prev) {
			t.Fatalf("score must strictly decrease with distance: at %v got %s, previous %s", d, score, prev)
		}
		prev = score
	}
}

func TestScoreMatchRateInfluenceIsCapped(t *testing.T) {
	modest := decimal.NewFromInt(500)
	huge := decimal.NewFromInt(1000000)

	base := ScoreMatch(50, nil)
	withModest := ScoreMatch(50, &modest)
	withHuge := ScoreMatch(50, &huge)

	if !withModest.GreaterThan(base) {
		t.Fatalf("a paying load should outscore an unrated one: %s vs %s", withModest, base)
	}
	// Cap: even an absurd rate lifts the score by at most 50%.
	limit := base.Mul(decimal.NewFromFloat(1.5)).Add(decimal.NewFromFloat(0.0001))
	if withHuge.GreaterThan(limit) {
		t.Fatalf("rate influence must be capped: %s exceeds %s", withHuge, limit)
	}

	// A fat rate far away must not outrank a nearby load.
	near := ScoreMatch(5, nil)
	farRich := ScoreMatch(400, &huge)
	if !near.GreaterThan(farRich) {
		t.Fatalf("nearby load must outrank distant rich load: %s vs %s", near, farRich)
	}
}

func TestScoreMatchNegativeDistanceClamped(t *testing.T) {
	if !ScoreMatch(-10, nil).Equal(ScoreMatch(0, nil)) {
		t.Fatal("negative distances clamp to zero")
	}
}

func TestSizeFits(t *testing.T) {
	cases := []struct {
		plan models.VehicleSize
		load string
		want bool
	}{
		{models.VehicleSizeSprinter, "SPRINTER", true},
		{models.VehicleSizeSprinter, "TRACTOR", false},
		{models.VehicleSizeLargeStraight, "LARGE_STRAIGHT", true},
		{models.VehicleSizeCargoVan, "", true}, // unstated size fits everything
	}
	for _, tc := range cases {
		if got := sizeFits(tc.plan, tc.load); got != tc.want {
			t.Fatalf("sizeFits(%s, %q) = %v, want %v", tc.plan, tc.load, got, tc.want)
		}
	}
}
