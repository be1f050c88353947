package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"webpilot/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLimits(mode string) types.PlatformLimits {
	return types.PlatformLimits{
		MaxConcurrentModelCalls: 2,
		MaxTokensPerHour:        1000,
		MaxQueuedJobs:           10,
		EnforcementMode:         mode,
	}
}

func TestAcquireModelSlotFullBlocksAtCeiling(t *testing.T) {
	p := NewPlatform(testLimits("full"), time.Second, nil)

	rel1, err := p.AcquireModelSlot(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	rel2, err := p.AcquireModelSlot(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := p.InFlightModelCalls(); got != 2 {
		t.Fatalf("in-flight = %d, want 2", got)
	}

	// Third call must block until cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.AcquireModelSlot(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third acquire err = %v, want deadline exceeded", err)
	}

	rel1()
	if got := p.InFlightModelCalls(); got != 1 {
		t.Fatalf("in-flight after release = %d, want 1", got)
	}

	// Freed slot admits the next caller immediately.
	rel3, err := p.AcquireModelSlot(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	rel3()
	rel2()
}

func TestAcquireModelSlotShadowAdmitsOverCeiling(t *testing.T) {
	p := NewPlatform(testLimits("shadow"), time.Second, nil)

	var releases []func()
	for i := 0; i < 5; i++ {
		rel, err := p.AcquireModelSlot(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		releases = append(releases, rel)
	}
	if got := p.InFlightModelCalls(); got != 5 {
		t.Fatalf("in-flight = %d, want 5 (shadow admits everything)", got)
	}
	for _, rel := range releases {
		rel()
	}
	if got := p.InFlightModelCalls(); got != 0 {
		t.Fatalf("in-flight after releases = %d, want 0", got)
	}
}

func TestAcquireModelSlotSoftAdmitsAfterBoundedWait(t *testing.T) {
	p := NewPlatform(testLimits("soft"), 20*time.Millisecond, nil)

	rel1, _ := p.AcquireModelSlot(context.Background())
	rel2, _ := p.AcquireModelSlot(context.Background())

	start := time.Now()
	rel3, err := p.AcquireModelSlot(context.Background())
	if err != nil {
		t.Fatalf("soft acquire: %v", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Fatalf("soft mode admitted after %v, want at least the bounded wait", waited)
	}
	rel3()
	rel2()
	rel1()
}

func TestConsumeTokensRollingWindow(t *testing.T) {
	p := NewPlatform(testLimits("full"), time.Second, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }

	if err := p.ConsumeTokens(600); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if err := p.ConsumeTokens(500); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("over-ceiling spend err = %v, want ErrRateLimited", err)
	}
	// The rejected spend is still recorded.
	if got := p.TokensSpentLastHour(); got != 1100 {
		t.Fatalf("spent = %d, want 1100", got)
	}

	// 61 minutes later the window has rolled past both buckets.
	now = base.Add(61 * time.Minute)
	if got := p.TokensSpentLastHour(); got != 0 {
		t.Fatalf("spent after window roll = %d, want 0", got)
	}
	if err := p.ConsumeTokens(900); err != nil {
		t.Fatalf("spend after window roll: %v", err)
	}
}

func TestCheckTokenBudgetRejectsWhileWindowOverCeiling(t *testing.T) {
	p := NewPlatform(testLimits("full"), time.Second, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	p.now = func() time.Time { return now }

	if err := p.CheckTokenBudget(); err != nil {
		t.Fatalf("fresh window err = %v, want nil", err)
	}
	if err := p.ConsumeTokens(1100); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("spend err = %v, want ErrRateLimited", err)
	}
	if err := p.CheckTokenBudget(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("over-budget pre-flight err = %v, want ErrRateLimited", err)
	}

	// After the window rolls, new calls are admitted again.
	now = base.Add(61 * time.Minute)
	if err := p.CheckTokenBudget(); err != nil {
		t.Fatalf("err after window roll = %v, want nil", err)
	}
}

func TestCheckTokenBudgetShadowAdmits(t *testing.T) {
	p := NewPlatform(testLimits("shadow"), time.Second, nil)
	if err := p.ConsumeTokens(5000); err != nil {
		t.Fatalf("shadow spend: %v", err)
	}
	if err := p.CheckTokenBudget(); err != nil {
		t.Fatalf("shadow pre-flight err = %v, want nil", err)
	}
}

func TestConsumeTokensShadowAdmitsOverCeiling(t *testing.T) {
	p := NewPlatform(testLimits("shadow"), time.Second, nil)
	if err := p.ConsumeTokens(5000); err != nil {
		t.Fatalf("shadow spend err = %v, want nil", err)
	}
}

func TestCheckQueueDepth(t *testing.T) {
	p := NewPlatform(testLimits("full"), time.Second, nil)
	if err := p.CheckQueueDepth(9); err != nil {
		t.Fatalf("below ceiling: %v", err)
	}
	if err := p.CheckQueueDepth(10); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("at ceiling err = %v, want ErrQueueFull", err)
	}
}

func TestReloadResizesSemaphore(t *testing.T) {
	p := NewPlatform(testLimits("full"), time.Second, nil)

	rel1, _ := p.AcquireModelSlot(context.Background())
	rel2, _ := p.AcquireModelSlot(context.Background())

	bigger := testLimits("full")
	bigger.MaxConcurrentModelCalls = 4
	p.Reload(bigger)

	// New ceiling admits more callers at once.
	rel3, err := p.AcquireModelSlot(context.Background())
	if err != nil {
		t.Fatalf("acquire after reload: %v", err)
	}
	rel3()
	rel2()
	rel1()

	if got := p.Limits().MaxConcurrentModelCalls; got != 4 {
		t.Fatalf("reloaded ceiling = %d, want 4", got)
	}
}
