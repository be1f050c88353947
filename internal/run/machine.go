// Package run owns the per-run state machine and the control channel
// through which pause/resume/cancel/override signals reach a live run.
// Control signals are applied only at step boundaries (checkpoints); mid
// step the run is untouchable, which bounds cancellation latency to one
// action timeout.
package run

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"webpilot/internal/types"
)

// ErrInvalidTransition rejects a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid run transition")

// Machine is the authoritative holder of one run's state. The worker
// goroutine owns it; outside mutation happens only through checkpoint
// directives.
type Machine struct {
	mu  sync.Mutex
	run types.Run
}

// NewMachine seeds a pending run from a claimed job.
func NewMachine(job types.Job, limits types.TierLimits) *Machine {
	return &Machine{
		run: types.Run{
			RunID:     job.RunID,
			JobID:     job.ID,
			TargetURL: job.TargetURL,
			Goal:      job.Goal,
			TestMode:  job.TestMode,
			Tier:      job.Tier,
			Status:    types.StatusPending,
			Limits:    limits,
			StartedAt: time.Now().UTC(),
		},
	}
}

// Status returns the current status.
func (m *Machine) Status() types.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.Status
}

// Transition moves the run to next, enforcing the forward-only
// lifecycle. Terminal states absorb everything.
func (m *Machine) Transition(next types.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.run.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.run.Status, next)
	}
	m.run.Status = next
	if next.Terminal() {
		m.run.CompletedAt = time.Now().UTC()
	}
	return nil
}

// Fail moves the run to failed and records the enumerated reason. The
// first failure wins; later calls keep the original marker.
func (m *Machine) Fail(reason types.FailureReason, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.run.Status.CanTransition(types.StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.run.Status, types.StatusFailed)
	}
	m.run.Status = types.StatusFailed
	m.run.CompletedAt = time.Now().UTC()
	if m.run.Failure == nil {
		m.run.Failure = &types.RunFailure{
			Reason:  reason,
			Message: message,
			StepID:  m.run.CurrentStep,
		}
	}
	return nil
}

// Cancel moves the run to cancelled with the given reason.
func (m *Machine) Cancel(reason types.FailureReason, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.run.Status.CanTransition(types.StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.run.Status, types.StatusCancelled)
	}
	m.run.Status = types.StatusCancelled
	m.run.CompletedAt = time.Now().UTC()
	if m.run.Failure == nil {
		m.run.Failure = &types.RunFailure{
			Reason:  reason,
			Message: message,
			StepID:  m.run.CurrentStep,
		}
	}
	return nil
}

// RecordStep appends a completed step and advances the step cursor.
func (m *Machine) RecordStep(step types.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.Steps = append(m.run.Steps, step)
	m.run.CurrentStep = step.StepNumber
}

// CurrentStep returns the last completed step number.
func (m *Machine) CurrentStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.CurrentStep
}

// Limits returns the tier record the run was admitted under.
func (m *Machine) Limits() types.TierLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.Limits
}

// Snapshot returns a copy of the run for reporting.
func (m *Machine) Snapshot() types.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.run
	snap.Steps = append([]types.Step(nil), m.run.Steps...)
	if m.run.Failure != nil {
		f := *m.run.Failure
		snap.Failure = &f
	}
	return snap
}
