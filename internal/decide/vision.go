package decide

// VisionContext carries the signals the vision gate evaluates. Tier
// capability flags are copied in so the gate stays a pure function.
type VisionContext struct {
	IsFinalStep         bool
	LayoutShiftDetected bool
	CriticalError       bool
	HeuristicFailed     bool

	// Tier capabilities.
	VisionOnError    bool
	VisionOnFallback bool
}

// ShouldUseVision decides whether the next decision is worth a
// screenshot-bearing model call. Vision calls cost roughly an order of
// magnitude more than text calls, so the gate admits only four cases:
// the run's final step, a just-detected layout shift, a critical error
// on an error-vision tier, and a heuristic fallback on a fallback-vision
// tier.
func ShouldUseVision(vc VisionContext) bool {
	if vc.IsFinalStep {
		return true
	}
	if vc.LayoutShiftDetected {
		return true
	}
	if vc.CriticalError && vc.VisionOnError {
		return true
	}
	if vc.HeuristicFailed && vc.VisionOnFallback {
		return true
	}
	return false
}

// visionContextFor derives the gate input from a step context.
func visionContextFor(sc StepContext) VisionContext {
	return VisionContext{
		IsFinalStep:         sc.IsFinalStep(),
		LayoutShiftDetected: sc.LayoutShiftDetected,
		CriticalError:       sc.CriticalError,
		HeuristicFailed:     sc.HeuristicFailed,
		VisionOnError:       sc.Tier.VisionOnError,
		VisionOnFallback:    sc.Tier.VisionOnFallback,
	}
}
