package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/haulflow/dispatch_backend/models"
	"github.com/shopspring/decimal"
)

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestFingerprintDeterministicAcrossFormatting(t *testing.T) {
	rate := decimal.NewFromInt(900)
	a := models.ParsedLoad{
		Origin:      "Chicago, IL",
		Destination: "Dallas, TX",
		BrokerMC:    "123456",
		PickupDate:  datePtr(2026, 9, 1),
		Rate:        &rate,
	}
	b := models.ParsedLoad{
		Origin:      "  CHICAGO,   il ",
		Destination: "dallas,  TX",
		BrokerMC:    "123456",
		PickupDate:  datePtr(2026, 9, 1),
		// Rate differs; rate is not a significant field.
	}

	fa := a.Fingerprint()
	fb := b.Fingerprint()
	if fa == "" || fb == "" {
		t.Fatalf("expected non-empty fingerprints, got %q and %q", fa, fb)
	}
	if fa != fb {
		t.Fatalf("case/whitespace variants must collide: %q vs %q", fa, fb)
	}
	if !strings.HasPrefix(fa, "v1:") {
		t.Fatalf("fingerprint must carry version prefix, got %q", fa)
	}
}

func TestFingerprintSensitiveToSignificantFields(t *testing.T) {
	base := models.ParsedLoad{
		Origin:      "Chicago, IL",
		Destination: "Dallas, TX",
		BrokerMC:    "123456",
		PickupDate:  datePtr(2026, 9, 1),
	}

	variants := []models.ParsedLoad{
		{Origin: "Milwaukee, WI", Destination: base.Destination, BrokerMC: base.BrokerMC, PickupDate: base.PickupDate},
		{Origin: base.Origin, Destination: "Houston, TX", BrokerMC: base.BrokerMC, PickupDate: base.PickupDate},
		{Origin: base.Origin, Destination: base.Destination, BrokerMC: "654321", PickupDate: base.PickupDate},
		{Origin: base.Origin, Destination: base.Destination, BrokerMC: base.BrokerMC, PickupDate: datePtr(2026, 9, 2)},
	}

	ref := base.Fingerprint()
	for i, v := range variants {
		if got := v.Fingerprint(); got == ref {
			t.Fatalf("variant %d changed a significant field but fingerprint did not change", i)
		}
	}
}

func TestDedupEligibilityRequiresAllSignificantFields(t *testing.T) {
	complete := models.ParsedLoad{
		Origin:      "Chicago, IL",
		Destination: "Dallas, TX",
		BrokerName:  "Acme Logistics",
		PickupDate:  datePtr(2026, 9, 1),
	}
	if !complete.DedupEligible() {
		t.Fatal("complete load should be dedup eligible")
	}

	cases := []struct {
		name string
		load models.ParsedLoad
	}{
		{"no origin", models.ParsedLoad{Destination: "Dallas, TX", BrokerMC: "123456", PickupDate: datePtr(2026, 9, 1)}},
		{"no destination", models.ParsedLoad{Origin: "Chicago, IL", BrokerMC: "123456", PickupDate: datePtr(2026, 9, 1)}},
		{"no broker", models.ParsedLoad{Origin: "Chicago, IL", Destination: "Dallas, TX", PickupDate: datePtr(2026, 9, 1)}},
		{"no pickup date", models.ParsedLoad{Origin: "Chicago, IL", Destination: "Dallas, TX", BrokerMC: "123456"}},
	}
	for _, tc := range cases {
		if tc.load.DedupEligible() {
			t.Fatalf("%s: incomplete load must not be dedup eligible", tc.name)
		}
		if got := tc.load.Fingerprint(); got != "" {
			t.Fatalf("%s: ineligible load must have empty fingerprint, got %q", tc.name, got)
		}
	}
}

func TestBrokerKeyPrefersMCNumber(t *testing.T) {
	withMC := models.ParsedLoad{BrokerName: "Acme Logistics", BrokerMC: " 123456 "}
	if got := withMC.BrokerKey(); got != "mc:123456" {
		t.Fatalf("expected mc:123456, got %q", got)
	}

	nameOnly := models.ParsedLoad{BrokerName: "  ACME   Logistics "}
	if got := nameOnly.BrokerKey(); got != "name:acme logistics" {
		t.Fatalf("expected name:acme logistics, got %q", got)
	}

	neither := models.ParsedLoad{}
	if got := neither.BrokerKey(); got != "" {
		t.Fatalf("expected empty broker key, got %q", got)
	}
}
