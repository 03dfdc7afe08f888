package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FingerprintVersion tags every stored fingerprint. Payloads hashed under
// different versions are never compared for equality: bumping the version after
// changing the significant-field set starts a fresh dedup universe.
const FingerprintVersion = 1

const fingerprintPrefix = "v1:"

// ParsedLoad is the structured result of the (external) extraction step over a raw
// load-notification email.
type ParsedLoad struct {
	Origin      string           `json:"origin"`
	Destination string           `json:"destination"`
	OriginZip   string           `json:"origin_zip"`
	DestZip     string           `json:"dest_zip"`
	BrokerName  string           `json:"broker_name"`
	BrokerMC    string           `json:"broker_mc"`
	PickupDate  *time.Time       `json:"pickup_date"`
	Rate        *decimal.Decimal `json:"rate"`
	VehicleSize string           `json:"vehicle_size"`

	// Extra carries fields the extractor found but the core does not interpret.
	Extra map[string]string `json:"extra,omitempty"`
}

// BrokerKey normalizes the broker identity: MC number when present, otherwise the
// folded company name. Used for both dedup and the credit-check election key.
func (p *ParsedLoad) BrokerKey() string {
	if mc := strings.TrimSpace(p.BrokerMC); mc != "" {
		return "mc:" + mc
	}
	name := strings.ToLower(strings.Join(strings.Fields(p.BrokerName), " "))
	if name == "" {
		return ""
	}
	return "name:" + name
}

// DedupEligible reports whether every significant field needed for fingerprinting
// is present. Incomplete loads bypass the content store entirely: never dedup on
// partial data, always treat as novel.
func (p *ParsedLoad) DedupEligible() bool {
	if strings.TrimSpace(p.Origin) == "" || strings.TrimSpace(p.Destination) == "" {
		return false
	}
	if p.BrokerKey() == "" {
		return false
	}
	if p.PickupDate == nil {
		return false
	}
	return true
}

// Fingerprint computes the deterministic, versioned content hash over the
// significant fields. Callers must check DedupEligible first; an ineligible load
// returns "".
func (p *ParsedLoad) Fingerprint() string {
	if !p.DedupEligible() {
		return ""
	}
	parts := []string{
		canonField(p.Origin),
		canonField(p.Destination),
		p.BrokerKey(),
		p.PickupDate.UTC().Format("2006-01-02"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}

func canonField(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
