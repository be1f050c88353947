// Package decide produces one ActionDecision per step by cascading
// through strategies in ascending cost order. Strategies obey a strict
// fail-open contract: when not confident enough they must return
// ErrNoDecision rather than guess, so the router can escalate to the
// next (more expensive) strategy.
package decide

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/metrics"
	"webpilot/internal/types"
)

// ErrNoDecision is the fail-open result: the strategy could not produce
// a confident decision and the router should escalate.
var ErrNoDecision = errors.New("no confident decision")

// StrategyNone is recorded when every strategy failed.
const StrategyNone = "none"

// StrategyGodMode is recorded for operator-injected override decisions.
const StrategyGodMode = "god_mode"

// StepContext is everything a strategy may consult for one step.
type StepContext struct {
	RunID      string
	Goal       string
	TestMode   types.TestMode
	Tier       types.TierLimits
	DOM        string // HTML snapshot of the current page
	Screenshot []byte // latest screenshot, may be nil
	StepNumber int
	MaxSteps   int

	// Signals feeding the vision gate.
	LayoutShiftDetected bool
	CriticalError       bool
	HeuristicFailed     bool

	LastError string
	History   []types.Step
}

// IsFinalStep reports whether this is the run's last allowed step.
func (sc StepContext) IsFinalStep() bool {
	return sc.MaxSteps > 0 && sc.StepNumber >= sc.MaxSteps
}

// Strategy is one interchangeable decision backend.
type Strategy interface {
	// Name identifies the strategy in steps and metrics.
	Name() string
	// CanHandle reports whether the strategy applies to this context at
	// all. A true here is not a promise of success.
	CanHandle(sc StepContext) bool
	// EstimateCost orders the cascade; lower runs first.
	EstimateCost(sc StepContext) float64
	// Decide returns a decision or ErrNoDecision (fail-open). Other
	// errors are treated the same but logged as faults.
	Decide(ctx context.Context, sc StepContext) (types.ActionDecision, error)
}

// Router holds the ordered strategy cascade.
type Router struct {
	strategies []Strategy
	reg        *metrics.Registry
}

// NewRouter builds a router. Strategies are sorted once by a zero-value
// cost estimate; ties keep the given order.
func NewRouter(reg *metrics.Registry, strategies ...Strategy) *Router {
	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EstimateCost(StepContext{}) < ordered[j].EstimateCost(StepContext{})
	})
	return &Router{strategies: ordered, reg: reg}
}

// Decide runs the cascade and returns the first confident decision. If
// every strategy fails, the returned decision has StrategyUsed "none"
// and Success false, and the error joins every strategy failure so the
// caller can inspect causes (a rate-limit rejection, for instance)
// before spending self-healing budget.
func (r *Router) Decide(ctx context.Context, sc StepContext) (types.ActionDecision, error) {
	log := logging.Get(logging.CategoryDecide)
	var failures []error

	for _, s := range r.strategies {
		if !s.CanHandle(sc) {
			continue
		}
		decision, err := s.Decide(ctx, sc)
		if err != nil {
			outcome := "no_decision"
			if !errors.Is(err, ErrNoDecision) {
				outcome = "error"
				failures = append(failures, fmt.Errorf("%s: %w", s.Name(), err))
				log.Warn("strategy failed",
					zap.String("run_id", sc.RunID),
					zap.String("strategy", s.Name()),
					zap.Error(err))
			}
			r.count(s.Name(), outcome)
			// Escalation: record that a cheaper pass failed so the
			// vision gate can consider the fallback condition.
			sc.HeuristicFailed = true
			continue
		}
		decision.StrategyUsed = s.Name()
		decision.Success = true
		r.count(s.Name(), "decision")
		log.Debug("decision produced",
			zap.String("run_id", sc.RunID),
			zap.String("strategy", s.Name()),
			zap.String("action", string(decision.Action.Type)),
			zap.Float64("confidence", decision.Confidence))
		return decision, nil
	}

	r.count(StrategyNone, "exhausted")
	log.Warn("all strategies exhausted",
		zap.String("run_id", sc.RunID),
		zap.Int("step", sc.StepNumber))
	return types.ActionDecision{StrategyUsed: StrategyNone, Success: false}, errors.Join(failures...)
}

func (r *Router) count(strategy, outcome string) {
	if r.reg != nil {
		r.reg.Inc(metrics.ModelCallsTotal, map[string]string{
			"strategy": strategy,
			"outcome":  outcome,
		})
	}
}
