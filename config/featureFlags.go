package config

import (
	"os"
	"strings"
)

// StrictDedupEligibility rejects loads whose broker identity cannot be normalized
// instead of treating them as dedup-ineligible. Off by default: ineligible loads
// still flow through matching, they just skip the content store.
//
// Set via env:
// - STRICT_DEDUP_ELIGIBILITY=true
func StrictDedupEligibility() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_DEDUP_ELIGIBILITY")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// BacklogCutoffExemptTenants lists tenants opted out of the claim-time backlog
// cutoff guardrail: their items stay claimable no matter how old (they accept
// reprocessing storms after long outages). Fed into ClaimGuardrails by the
// intake processor.
//
// Set via env:
// - BACKLOG_CUTOFF_DISABLED_TENANTS="tenant-a,tenant-b"
func BacklogCutoffExemptTenants() []string {
	raw := os.Getenv("BACKLOG_CUTOFF_DISABLED_TENANTS")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tenants []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			tenants = append(tenants, part)
		}
	}
	return tenants
}
