package limits

import "testing"

func TestTierLimitsKnownTiers(t *testing.T) {
	guest := TierLimits("guest")
	if guest.MaxSteps != 25 || guest.GodModeAllowed {
		t.Fatalf("guest = %+v", guest)
	}
	pro := TierLimits("pro")
	if pro.MaxSteps != 100 || !pro.GodModeAllowed || !pro.VisionOnFallback {
		t.Fatalf("pro = %+v", pro)
	}
	if TierLimits("enterprise").MaxSteps <= pro.MaxSteps {
		t.Fatal("enterprise not above pro")
	}
}

func TestTierLimitsFailClosed(t *testing.T) {
	for _, tier := range []string{"", "platinum", "PRO", "admin"} {
		got := TierLimits(tier)
		if got.Name != TierGuest {
			t.Fatalf("TierLimits(%q) = %s, want guest fallback", tier, got.Name)
		}
		if got.GodModeAllowed || got.VisionOnError {
			t.Fatalf("unknown tier %q unlocked capabilities: %+v", tier, got)
		}
	}
}

func TestKnownTiersComplete(t *testing.T) {
	names := KnownTiers()
	if len(names) != 4 {
		t.Fatalf("known tiers = %v", names)
	}
}
