package run

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"webpilot/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func controllerUnderTest(t *testing.T, tier types.TierLimits) (*Machine, *Broker, *Controller) {
	t.Helper()
	m := NewMachine(types.Job{
		ID: "job-1", RunID: "run-1",
		TargetURL: "https://example.com", Goal: "g", TestMode: types.ModeFlow, Tier: tier.Name,
	}, tier)
	_ = m.Transition(types.StatusRunning)

	b := NewBroker()
	signals := b.Subscribe("run-1")
	c := NewController(m, signals, 200*time.Millisecond, nil)
	return m, b, c
}

func TestCheckpointNoSignalsContinues(t *testing.T) {
	_, _, c := controllerUnderTest(t, types.TierLimits{Name: "guest"})
	d := c.Checkpoint(context.Background())
	if d.Stop || d.Override != nil {
		t.Fatalf("directive = %+v, want plain continue", d)
	}
}

func TestCheckpointCancel(t *testing.T) {
	m, b, c := controllerUnderTest(t, types.TierLimits{Name: "guest"})
	if !b.Send("run-1", Signal{Kind: SignalCancel, Reason: "operator stop"}) {
		t.Fatal("send failed")
	}

	d := c.Checkpoint(context.Background())
	if !d.Stop {
		t.Fatal("cancel did not stop the run")
	}
	snap := m.Snapshot()
	if snap.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}
	if snap.Failure == nil || snap.Failure.Reason != types.ReasonCancelled {
		t.Fatalf("failure = %+v", snap.Failure)
	}
}

func TestCheckpointPauseThenResume(t *testing.T) {
	m, b, c := controllerUnderTest(t, types.TierLimits{Name: "guest"})
	m.RecordStep(types.Step{StepNumber: 3, Success: true})

	b.Send("run-1", Signal{Kind: SignalPause})
	go func() {
		time.Sleep(30 * time.Millisecond)
		b.Send("run-1", Signal{Kind: SignalResume})
	}()

	d := c.Checkpoint(context.Background())
	if d.Stop {
		t.Fatal("pause/resume stopped the run")
	}
	if m.Status() != types.StatusRunning {
		t.Fatalf("status = %s, want running after resume", m.Status())
	}
	// The loop proceeds from the next step; nothing was lost or repeated.
	if m.CurrentStep() != 3 {
		t.Fatalf("current step = %d, want 3", m.CurrentStep())
	}
}

func TestCheckpointDuplicateSignalsAreIdempotent(t *testing.T) {
	m, b, c := controllerUnderTest(t, types.TierLimits{Name: "guest"})

	b.Send("run-1", Signal{Kind: SignalPause})
	b.Send("run-1", Signal{Kind: SignalPause})
	b.Send("run-1", Signal{Kind: SignalResume})
	b.Send("run-1", Signal{Kind: SignalResume})

	d := c.Checkpoint(context.Background())
	if d.Stop {
		t.Fatal("idempotent signals stopped the run")
	}
	if m.Status() != types.StatusRunning {
		t.Fatalf("status = %s, want running", m.Status())
	}
}

func TestCheckpointPauseTimeoutCancels(t *testing.T) {
	m, b, c := controllerUnderTest(t, types.TierLimits{Name: "guest"})
	b.Send("run-1", Signal{Kind: SignalPause})

	start := time.Now()
	d := c.Checkpoint(context.Background())
	if !d.Stop {
		t.Fatal("pause timeout did not stop the run")
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatal("cancelled before the pause window elapsed")
	}
	snap := m.Snapshot()
	if snap.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}
	if snap.Failure == nil || snap.Failure.Reason != types.ReasonPauseTimeout {
		t.Fatalf("failure = %+v, want pause_timeout", snap.Failure)
	}
}

func TestCheckpointOverrideRequiresGodMode(t *testing.T) {
	action := types.Action{Type: types.ActionClick, Selector: "#force"}

	// Guest tier: override ignored.
	m, b, c := controllerUnderTest(t, types.TierLimits{Name: "guest", GodModeAllowed: false})
	b.Send("run-1", Signal{Kind: SignalOverride, Override: &action})
	d := c.Checkpoint(context.Background())
	if d.Override != nil {
		t.Fatal("override honored for a tier without god mode")
	}
	if m.Status() != types.StatusRunning {
		t.Fatalf("status = %s", m.Status())
	}

	// Pro tier: override delivered.
	_, b2, c2 := controllerUnderTest(t, types.TierLimits{Name: "pro", GodModeAllowed: true})
	b2.Send("run-1", Signal{Kind: SignalOverride, Override: &action})
	d2 := c2.Checkpoint(context.Background())
	if d2.Override == nil || d2.Override.Selector != "#force" {
		t.Fatalf("override = %+v, want the injected action", d2.Override)
	}
}

func TestCheckpointShutdownCancelsRun(t *testing.T) {
	m, _, c := controllerUnderTest(t, types.TierLimits{Name: "guest"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := c.Checkpoint(ctx)
	if !d.Stop {
		t.Fatal("shutdown did not stop the run")
	}
	if m.Status() != types.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", m.Status())
	}
}

func TestBrokerSendToUnknownRun(t *testing.T) {
	b := NewBroker()
	if b.Send("ghost", Signal{Kind: SignalCancel}) {
		t.Fatal("send to unknown run reported delivery")
	}
	ch := b.Subscribe("r")
	_ = ch
	b.Unsubscribe("r")
	if b.Send("r", Signal{Kind: SignalPause}) {
		t.Fatal("send after unsubscribe reported delivery")
	}
}
