package decide

import "testing"

func TestShouldUseVision(t *testing.T) {
	cases := []struct {
		name string
		vc   VisionContext
		want bool
	}{
		{"nothing set", VisionContext{}, false},
		{"final step", VisionContext{IsFinalStep: true}, true},
		{"final step overrides tier flags", VisionContext{IsFinalStep: true, VisionOnError: false, VisionOnFallback: false}, true},
		{"layout shift", VisionContext{LayoutShiftDetected: true}, true},
		{"critical error, tier allows", VisionContext{CriticalError: true, VisionOnError: true}, true},
		{"critical error, tier forbids", VisionContext{CriticalError: true, VisionOnError: false}, false},
		{"heuristic failed, tier allows", VisionContext{HeuristicFailed: true, VisionOnFallback: true}, true},
		{"heuristic failed, tier forbids", VisionContext{HeuristicFailed: true, VisionOnFallback: false}, false},
		{"error flag without error", VisionContext{VisionOnError: true}, false},
		{"fallback flag without fallback", VisionContext{VisionOnFallback: true}, false},
		{"everything set", VisionContext{IsFinalStep: true, LayoutShiftDetected: true, CriticalError: true, HeuristicFailed: true, VisionOnError: true, VisionOnFallback: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldUseVision(tc.vc); got != tc.want {
				t.Fatalf("ShouldUseVision(%+v) = %v, want %v", tc.vc, got, tc.want)
			}
		})
	}
}

func TestIsFinalStep(t *testing.T) {
	sc := StepContext{StepNumber: 25, MaxSteps: 25}
	if !sc.IsFinalStep() {
		t.Fatal("step 25 of 25 should be final")
	}
	sc.StepNumber = 24
	if sc.IsFinalStep() {
		t.Fatal("step 24 of 25 should not be final")
	}
	sc = StepContext{StepNumber: 5, MaxSteps: 0}
	if sc.IsFinalStep() {
		t.Fatal("unlimited steps never hit final")
	}
}
