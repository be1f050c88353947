package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"webpilot/internal/decide"
	"webpilot/internal/diagnose"
	"webpilot/internal/limits"
	"webpilot/internal/logging"
	"webpilot/internal/metrics"
	"webpilot/internal/obstruct"
	"webpilot/internal/run"
	"webpilot/internal/trace"
	"webpilot/internal/types"
)

// execute processes one claimed job end to end and settles it with the
// queue. Every exit path settles exactly once.
func (s *Scheduler) execute(ctx context.Context, job types.Job) {
	log := logging.Get(logging.CategoryRun).With(
		zap.String("run_id", job.RunID),
		zap.String("job_id", job.ID))
	start := time.Now()

	if err := validateJob(job); err != nil {
		log.Warn("invalid job rejected", zap.Error(err))
		_ = s.jobs.Kill(ctx, job.ID, fmt.Sprintf("%s: %v", types.ReasonInvalidJob, err))
		s.countRun(types.StatusFailed, job.Tier, start)
		return
	}

	tier := limits.TierLimits(job.Tier)
	machine := run.NewMachine(job, tier)
	signals := s.broker.Subscribe(job.RunID)
	defer s.broker.Unsubscribe(job.RunID)
	controller := run.NewController(machine, signals, s.workerCfg.PauseTimeout, s.reg)

	hbCtx, stopHB := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHB()
	go s.heartbeatLoop(hbCtx, job.ID)

	outcome := s.runJob(ctx, job, machine, controller)

	log.Info("run finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("steps", outcome.StepCount),
		zap.Duration("duration", time.Since(start)))

	// Settlement happens even when the worker is shutting down.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.settle(settleCtx, job, outcome)
	s.countRun(outcome.Status, job.Tier, start)
}

func validateJob(job types.Job) error {
	if job.TargetURL == "" || job.Goal == "" {
		return fmt.Errorf("target_url and goal are required")
	}
	switch job.TestMode {
	case types.ModeExists, types.ModeFlow, types.ModeVisual, types.ModeDiagnose:
	default:
		return fmt.Errorf("unknown test mode %q", job.TestMode)
	}
	return nil
}

// settle reports the outcome to the queue. Deterministic failures are
// dead-lettered; transient ones go back with backoff.
func (s *Scheduler) settle(ctx context.Context, job types.Job, outcome types.RunOutcome) {
	log := logging.Get(logging.CategoryRun)

	var err error
	switch {
	case outcome.Status == types.StatusCompleted || outcome.Status == types.StatusCancelled:
		err = s.jobs.Complete(ctx, job.ID)
	case outcome.Failure != nil && !retryable(outcome.Failure.Reason):
		err = s.jobs.Kill(ctx, job.ID, string(outcome.Failure.Reason))
	case outcome.Failure != nil:
		err = s.jobs.Fail(ctx, job.ID, string(outcome.Failure.Reason))
	default:
		err = s.jobs.Fail(ctx, job.ID, string(types.ReasonStuck))
	}
	if err != nil {
		log.Error("job settlement failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// retryable reports whether another attempt could plausibly change the
// outcome. Budget exhaustion cannot; infrastructure trouble can.
func retryable(reason types.FailureReason) bool {
	switch reason {
	case types.ReasonStepLimit, types.ReasonInvalidJob:
		return false
	}
	return true
}

func (s *Scheduler) countRun(status types.RunStatus, tier string, start time.Time) {
	if s.reg == nil {
		return
	}
	s.reg.Inc(metrics.RunsTotal, map[string]string{
		"status": string(status), "tier": tier,
	})
	s.reg.ObserveDuration(metrics.RunDurationSeconds, map[string]string{
		"status": string(status),
	}, time.Since(start))
}

// =============================================================================
// RUN EXECUTION
// =============================================================================

// runJob drives one run to a terminal status and persists its trace.
func (s *Scheduler) runJob(ctx context.Context, job types.Job, machine *run.Machine, controller *run.Controller) types.RunOutcome {
	log := logging.Get(logging.CategoryRun).With(zap.String("run_id", job.RunID))

	driver, err := s.drivers(ctx)
	if err != nil {
		log.Error("driver start failed", zap.Error(err))
		_ = machine.Fail(types.ReasonDriverCrash, fmt.Sprintf("driver start: %v", err))
		return outcomeOf(machine, "")
	}
	defer driver.Close()

	builder, err := s.traces.Create(job.RunID, job.TargetURL, driver.Name(), driver.Viewport())
	if err != nil {
		log.Error("trace open failed", zap.Error(err))
		_ = machine.Fail(types.ReasonStorageFailed, err.Error())
		return outcomeOf(machine, "")
	}

	_ = machine.Transition(types.StatusRunning)

	if err := driver.Navigate(ctx, job.TargetURL); err != nil {
		log.Warn("initial navigation failed", zap.Error(err))
		_ = machine.Fail(types.ReasonDriverCrash, err.Error())
		builder.MarkFailed(0, types.ReasonDriverCrash, err.Error())
	} else if job.TestMode == types.ModeDiagnose {
		s.diagnosePhase(ctx, job, machine, driver, builder)
	} else {
		s.stepLoop(ctx, job, machine, controller, driver, builder)
	}

	snap := machine.Snapshot()
	// The machine is authoritative for the failure marker. Cancellation
	// (including pause timeout) is recorded there at the checkpoint, not
	// via the builder; mirror it so the persisted trace carries it.
	if snap.Failure != nil {
		builder.MarkFailed(snap.Failure.StepID, snap.Failure.Reason, snap.Failure.Message)
	}
	url, err := builder.Save(ctx, snap.Status)
	if err != nil {
		// The run may have gone well, but without an artifact it is not a
		// reportable success. Release the trace registration so a retried
		// job can open a fresh one.
		log.Error("trace persistence failed", zap.Error(err))
		builder.Discard()
		out := outcomeOf(machine, "")
		out.Status = types.StatusFailed
		out.Failure = &types.RunFailure{
			Reason:  types.ReasonStorageFailed,
			Message: err.Error(),
			StepID:  snap.CurrentStep,
		}
		return out
	}
	return outcomeOf(machine, url)
}

func outcomeOf(machine *run.Machine, traceURL string) types.RunOutcome {
	snap := machine.Snapshot()
	return types.RunOutcome{
		RunID:     snap.RunID,
		Status:    snap.Status,
		StepCount: snap.CurrentStep,
		TraceURL:  traceURL,
		Failure:   snap.Failure,
	}
}

// stepLoop is the decide/execute cycle for exists, flow, and visual runs.
func (s *Scheduler) stepLoop(ctx context.Context, job types.Job, machine *run.Machine,
	controller *run.Controller, driver Driver, builder *trace.Builder) {

	log := logging.Get(logging.CategoryRun).With(zap.String("run_id", job.RunID))
	tier := machine.Limits()
	resolver := obstruct.NewResolver(driver)

	consecutiveFailures := 0
	screenshotsTaken := 0
	pagesVisited := 1
	lastError := ""
	criticalError := false

	for stepNum := 1; ; stepNum++ {
		directive := controller.Checkpoint(ctx)
		if directive.Stop {
			return
		}

		if stepNum > tier.MaxSteps {
			msg := fmt.Sprintf("step budget of %d exhausted before goal", tier.MaxSteps)
			_ = machine.Fail(types.ReasonStepLimit, msg)
			builder.MarkFailed(machine.CurrentStep(), types.ReasonStepLimit, msg)
			return
		}

		if ob := resolver.Resolve(ctx); ob.Dismissed {
			log.Info("obstruction dismissed before step",
				zap.Int("step", stepNum),
				zap.String("method", ob.Method),
				zap.String("selector", ob.Selector))
		}

		dom, err := driver.SnapshotDOM(ctx)
		if err != nil {
			_ = machine.Fail(types.ReasonDriverCrash, err.Error())
			builder.MarkFailed(machine.CurrentStep(), types.ReasonDriverCrash, err.Error())
			return
		}
		var shot []byte
		if screenshotsTaken < tier.MaxScreenshots {
			if png, err := driver.Screenshot(ctx); err == nil {
				shot = png
				screenshotsTaken++
			}
		}

		sc := decide.StepContext{
			RunID:               job.RunID,
			Goal:                job.Goal,
			TestMode:            job.TestMode,
			Tier:                tier,
			DOM:                 dom,
			Screenshot:          shot,
			StepNumber:          stepNum,
			MaxSteps:            tier.MaxSteps,
			LayoutShiftDetected: driver.LayoutShifted(ctx),
			CriticalError:       criticalError,
			LastError:           lastError,
			History:             machine.Snapshot().Steps,
		}

		var decision types.ActionDecision
		if directive.Override != nil {
			decision = types.ActionDecision{
				Action:       *directive.Override,
				Confidence:   1,
				StrategyUsed: decide.StrategyGodMode,
				Success:      true,
			}
			log.Info("executing operator override", zap.String("action", string(decision.Action.Type)))
		} else {
			var derr error
			decision, derr = s.router.Decide(ctx, sc)
			if !decision.Success {
				if errors.Is(derr, limits.ErrRateLimited) {
					msg := "platform token budget exhausted"
					_ = machine.Fail(types.ReasonRateLimited, msg)
					builder.MarkFailed(machine.CurrentStep(), types.ReasonRateLimited, msg)
					return
				}
				s.recordStep(machine, builder, types.Action{}, decide.StrategyNone,
					false, "no strategy produced a decision", nil)
				consecutiveFailures++
				if consecutiveFailures > tier.SelfHealingRetries {
					msg := "no actionable decision after retries"
					_ = machine.Fail(types.ReasonStuck, msg)
					builder.MarkFailed(machine.CurrentStep(), types.ReasonStuck, msg)
					return
				}
				lastError = "decision cascade exhausted"
				criticalError = false
				continue
			}
		}

		actCtx, cancel := context.WithTimeout(ctx, s.workerCfg.ActionTimeout)
		result := driver.Execute(actCtx, decision.Action)
		cancel()

		console, network := driver.DrainLogs()
		builder.AddConsoleLog(console...)
		for _, ev := range network {
			builder.AddNetworkEvent(ev)
		}
		num := s.recordStep(machine, builder, decision.Action, decision.StrategyUsed,
			result.Success, result.Error, shot)

		if decision.Action.Type == types.ActionNavigate {
			pagesVisited++
			if tier.MaxPages > 0 && pagesVisited > tier.MaxPages {
				msg := fmt.Sprintf("page budget of %d exhausted", tier.MaxPages)
				_ = machine.Fail(types.ReasonStepLimit, msg)
				builder.MarkFailed(num, types.ReasonStepLimit, msg)
				return
			}
		}

		if !result.Success {
			consecutiveFailures++
			lastError = result.Error
			criticalError = true
			if driverCrashed(result.Error) {
				_ = machine.Fail(types.ReasonDriverCrash, result.Error)
				builder.MarkFailed(num, types.ReasonDriverCrash, result.Error)
				return
			}
			if consecutiveFailures > tier.SelfHealingRetries {
				_ = machine.Fail(types.ReasonStuck, lastError)
				builder.MarkFailed(num, types.ReasonStuck, lastError)
				return
			}
			continue
		}

		consecutiveFailures = 0
		lastError = ""
		criticalError = false

		if decision.GoalReached || decision.Action.Type == types.ActionDone {
			_ = machine.Transition(types.StatusCompleted)
			return
		}
	}
}

// recordStep appends the step to both the trace and the run record.
func (s *Scheduler) recordStep(machine *run.Machine, builder *trace.Builder,
	action types.Action, strategy string, success bool, stepErr string, shot []byte) int {

	num := builder.AddStep(action, strategy, success, stepErr, shot)
	machine.RecordStep(types.Step{
		StepNumber:   num,
		Action:       action,
		Timestamp:    time.Now().UTC(),
		Success:      success,
		Error:        stepErr,
		StrategyUsed: strategy,
	})
	if s.reg != nil {
		s.reg.Inc(metrics.StepsTotal, map[string]string{
			"strategy": strategy,
			"success":  strconv.FormatBool(success),
		})
	}
	return num
}

// driverCrashed classifies an execute error as a dead browser rather
// than a recoverable page-level failure.
func driverCrashed(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, marker := range []string{"websocket", "connection closed", "target crashed", "session closed", "browser has been closed"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// diagnosePhase implements the diagnose test mode: the page is already
// loaded; observe it, record the findings, finish. Findings are the
// product, so the run completes even when the page is unhealthy; the
// step's success flag carries the verdict.
func (s *Scheduler) diagnosePhase(ctx context.Context, job types.Job, machine *run.Machine,
	driver Driver, builder *trace.Builder) {

	log := logging.Get(logging.CategoryRun).With(zap.String("run_id", job.RunID))
	_ = machine.Transition(types.StatusDiagnosing)

	console, network := driver.DrainLogs()
	report := diagnose.Run(ctx, driver, job.TargetURL, console, network)

	for _, f := range report.Findings {
		builder.AddConsoleLog(fmt.Sprintf("%s/%s: %s", f.Collector, f.Severity, f.Message))
	}
	for _, ev := range network {
		builder.AddNetworkEvent(ev)
	}

	var shot []byte
	if machine.Limits().MaxScreenshots > 0 {
		shot, _ = driver.Screenshot(ctx)
	}
	summary := fmt.Sprintf("%d findings", len(report.Findings))
	if !report.Healthy() {
		summary += " (errors present)"
	}
	s.recordStep(machine, builder, types.Action{Type: types.ActionAssert, Value: "page diagnostics"},
		"diagnose", report.Healthy(), summary, shot)

	log.Info("diagnostics collected",
		zap.Int("findings", len(report.Findings)),
		zap.Bool("healthy", report.Healthy()))
	_ = machine.Transition(types.StatusCompleted)
}
