package config

import "testing"

func TestBacklogCutoffExemptTenants(t *testing.T) {
	t.Setenv("BACKLOG_CUTOFF_DISABLED_TENANTS", "")
	if got := BacklogCutoffExemptTenants(); got != nil {
		t.Fatalf("empty env should yield no exemptions, got %v", got)
	}

	t.Setenv("BACKLOG_CUTOFF_DISABLED_TENANTS", " tenant-a , tenant-b,,tenant-c ")
	got := BacklogCutoffExemptTenants()
	want := []string{"tenant-a", "tenant-b", "tenant-c"}
	if len(got) != len(want) {
		t.Fatalf("parsed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parsed %v, want %v", got, want)
		}
	}
}

func TestStrictDedupEligibility(t *testing.T) {
	t.Setenv("STRICT_DEDUP_ELIGIBILITY", "")
	if StrictDedupEligibility() {
		t.Fatal("strict mode must be off by default")
	}
	for _, v := range []string{"1", "true", "TRUE", "yes"} {
		t.Setenv("STRICT_DEDUP_ELIGIBILITY", v)
		if !StrictDedupEligibility() {
			t.Fatalf("%q should enable strict mode", v)
		}
	}
}
