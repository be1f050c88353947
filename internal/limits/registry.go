// Package limits centralizes every resource ceiling the worker enforces:
// the per-tier feature/limit table and the platform-wide ceilings shared
// by all concurrent runs.
package limits

import "webpilot/internal/types"

// =============================================================================
// TIER REGISTRY
// =============================================================================
// Pure data + lookup. The table is fixed at compile time; unknown tiers
// fall back to the most restrictive entry (fail-closed).

// TierGuest is the fallback tier for unrecognized names.
const TierGuest = "guest"

var tierTable = map[string]types.TierLimits{
	"guest": {
		Name:               "guest",
		MaxSteps:           25,
		MaxPages:           3,
		MaxScreenshots:     10,
		SelfHealingRetries: 1,
		GodModeAllowed:     false,
		VideoRecording:     false,
		VisionOnError:      false,
		VisionOnFallback:   false,
	},
	"starter": {
		Name:               "starter",
		MaxSteps:           50,
		MaxPages:           10,
		MaxScreenshots:     50,
		SelfHealingRetries: 2,
		GodModeAllowed:     false,
		VideoRecording:     false,
		VisionOnError:      true,
		VisionOnFallback:   false,
	},
	"pro": {
		Name:               "pro",
		MaxSteps:           100,
		MaxPages:           25,
		MaxScreenshots:     200,
		SelfHealingRetries: 3,
		GodModeAllowed:     true,
		VideoRecording:     true,
		VisionOnError:      true,
		VisionOnFallback:   true,
	},
	"enterprise": {
		Name:               "enterprise",
		MaxSteps:           250,
		MaxPages:           100,
		MaxScreenshots:     500,
		SelfHealingRetries: 5,
		GodModeAllowed:     true,
		VideoRecording:     true,
		VisionOnError:      true,
		VisionOnFallback:   true,
	},
}

// TierLimits returns the limit record for a tier name. Unknown tiers get
// the guest record so a bad tier string can never unlock capacity.
func TierLimits(tier string) types.TierLimits {
	if t, ok := tierTable[tier]; ok {
		return t
	}
	return tierTable[TierGuest]
}

// KnownTiers returns the tier names with entries in the table.
func KnownTiers() []string {
	names := make([]string, 0, len(tierTable))
	for name := range tierTable {
		names = append(names, name)
	}
	return names
}
