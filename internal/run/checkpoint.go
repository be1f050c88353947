package run

import (
	"context"
	"time"

	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/metrics"
	"webpilot/internal/types"
)

// Directive is what a checkpoint tells the step loop to do next.
type Directive struct {
	// Stop means the run reached a terminal state (cancelled) at this
	// checkpoint and the loop must exit. The machine already holds the
	// terminal status and failure marker.
	Stop bool
	// Override, when set, is an operator-injected action that replaces
	// the router's decision for the next step.
	Override *types.Action
}

// Controller applies queued control signals to a run at step boundaries.
type Controller struct {
	machine      *Machine
	signals      <-chan Signal
	pauseTimeout time.Duration
	reg          *metrics.Registry
}

// NewController wires a machine to its signal channel. pauseTimeout
// bounds how long a paused run may hold its worker slot.
func NewController(m *Machine, signals <-chan Signal, pauseTimeout time.Duration, reg *metrics.Registry) *Controller {
	return &Controller{machine: m, signals: signals, pauseTimeout: pauseTimeout, reg: reg}
}

// Checkpoint drains every queued signal and blocks while the run is
// paused. It returns when the run may proceed (possibly with an override
// action) or has gone terminal. A resume lands the run exactly at the
// next step; no step is lost or repeated. Duplicate pauses and resumes
// are idempotent no-ops.
func (c *Controller) Checkpoint(ctx context.Context) Directive {
	log := logging.Get(logging.CategoryRun)
	var override *types.Action

	for {
		select {
		case sig := <-c.signals:
			if d, done := c.apply(sig, &override, log); done {
				return d
			}
		case <-ctx.Done():
			_ = c.machine.Cancel(types.ReasonCancelled, "worker shutting down")
			return Directive{Stop: true}
		default:
			// Queue drained.
			if c.machine.Status() != types.StatusPaused {
				return Directive{Override: override}
			}
			// Paused: block until resume, cancel, timeout, or shutdown.
			if d, done := c.waitWhilePaused(ctx, &override, log); done {
				return d
			}
		}
	}
}

func (c *Controller) waitWhilePaused(ctx context.Context, override **types.Action, log *zap.Logger) (Directive, bool) {
	timer := time.NewTimer(c.pauseTimeout)
	defer timer.Stop()

	for c.machine.Status() == types.StatusPaused {
		select {
		case sig := <-c.signals:
			if d, done := c.apply(sig, override, log); done {
				return d, true
			}
		case <-timer.C:
			log.Warn("pause timeout, cancelling run",
				zap.String("run_id", c.machine.Snapshot().RunID),
				zap.Duration("timeout", c.pauseTimeout))
			_ = c.machine.Cancel(types.ReasonPauseTimeout, "paused past the allowed window")
			return Directive{Stop: true}, true
		case <-ctx.Done():
			_ = c.machine.Cancel(types.ReasonCancelled, "worker shutting down")
			return Directive{Stop: true}, true
		}
	}
	return Directive{}, false
}

// apply handles one signal. done=true means the run went terminal.
func (c *Controller) apply(sig Signal, override **types.Action, log *zap.Logger) (Directive, bool) {
	runID := c.machine.Snapshot().RunID

	switch sig.Kind {
	case SignalCancel:
		msg := sig.Reason
		if msg == "" {
			msg = "cancelled by request"
		}
		_ = c.machine.Cancel(types.ReasonCancelled, msg)
		log.Info("run cancelled at checkpoint", zap.String("run_id", runID))
		return Directive{Stop: true}, true

	case SignalPause:
		if c.machine.Status() == types.StatusRunning {
			_ = c.machine.Transition(types.StatusPaused)
			log.Info("run paused", zap.String("run_id", runID),
				zap.Int("after_step", c.machine.CurrentStep()))
		}

	case SignalResume:
		if c.machine.Status() == types.StatusPaused {
			_ = c.machine.Transition(types.StatusRunning)
			log.Info("run resumed", zap.String("run_id", runID),
				zap.Int("next_step", c.machine.CurrentStep()+1))
		}

	case SignalOverride:
		if sig.Override == nil {
			break
		}
		if !c.machine.Limits().GodModeAllowed {
			if c.reg != nil {
				c.reg.Inc(metrics.GodModeIgnoredTotal, map[string]string{
					"tier": c.machine.Snapshot().Tier,
				})
			}
			log.Warn("override ignored, tier lacks god mode",
				zap.String("run_id", runID),
				zap.String("tier", c.machine.Snapshot().Tier))
			break
		}
		// Last queued override wins.
		a := *sig.Override
		*override = &a
		log.Info("operator override queued",
			zap.String("run_id", runID),
			zap.String("action", string(a.Type)))
	}
	return Directive{}, false
}
