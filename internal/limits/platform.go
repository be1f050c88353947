package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/metrics"
	"webpilot/internal/types"
)

// =============================================================================
// PLATFORM CEILINGS
// =============================================================================
// Platform ceilings bound spend and concurrency across every run in the
// process. Model-call slots use a semaphore channel; token spend uses a
// rolling hourly window. All mutation is an atomic or mutex-guarded
// increment/decrement pair bracketing the guarded operation, with release
// returned as a func so callers can defer it on every path.

// Mode governs how ceiling violations are handled.
type Mode string

const (
	// ModeShadow logs violations and always admits. Used to calibrate.
	ModeShadow Mode = "shadow"
	// ModeSoft waits a bounded time for capacity, then admits with a warning.
	ModeSoft Mode = "soft"
	// ModeFull blocks until capacity or context cancellation.
	ModeFull Mode = "full"
)

// ErrRateLimited is returned when the hourly token ceiling is exceeded.
// Retryable: the window rolls forward every minute.
var ErrRateLimited = errors.New("platform token ceiling exceeded")

// ErrQueueFull is returned when enqueueing would exceed MaxQueuedJobs.
var ErrQueueFull = errors.New("platform queue ceiling exceeded")

// tokenBucket counts tokens spent in one minute of the rolling hour.
type tokenBucket struct {
	minute time.Time
	tokens int64
}

// Platform owns the process-wide ceilings. A single instance is injected
// by handle into every run; never reach for package-level state.
type Platform struct {
	mu          sync.RWMutex
	limits      types.PlatformLimits
	softWaitMax time.Duration

	slots chan struct{} // model-call semaphore, nil when unlimited

	tokenMu sync.Mutex
	window  []tokenBucket // rolling 60-minute token spend

	inFlight atomic.Int32

	reg *metrics.Registry
	now func() time.Time // test hook
}

// NewPlatform creates the ceiling enforcer.
func NewPlatform(pl types.PlatformLimits, softWaitMax time.Duration, reg *metrics.Registry) *Platform {
	p := &Platform{
		limits:      pl,
		softWaitMax: softWaitMax,
		reg:         reg,
		now:         time.Now,
	}
	if pl.MaxConcurrentModelCalls > 0 {
		p.slots = make(chan struct{}, pl.MaxConcurrentModelCalls)
	}
	logging.Get(logging.CategoryLimits).Info("platform ceilings initialized",
		zap.Int("max_concurrent_model_calls", pl.MaxConcurrentModelCalls),
		zap.Int64("max_tokens_per_hour", pl.MaxTokensPerHour),
		zap.Int("max_queued_jobs", pl.MaxQueuedJobs),
		zap.String("mode", pl.EnforcementMode))
	return p
}

// Limits returns the current ceiling snapshot.
func (p *Platform) Limits() types.PlatformLimits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limits
}

// Mode returns the configured enforcement mode, defaulting to full.
func (p *Platform) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch Mode(p.limits.EnforcementMode) {
	case ModeShadow, ModeSoft, ModeFull:
		return Mode(p.limits.EnforcementMode)
	}
	return ModeFull
}

// Reload replaces the platform ceilings. The slot semaphore is resized;
// slots already held remain valid (their release is a no-op beyond
// decrementing the in-flight gauge).
func (p *Platform) Reload(pl types.PlatformLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.limits
	p.limits = pl
	if pl.MaxConcurrentModelCalls != old.MaxConcurrentModelCalls {
		if pl.MaxConcurrentModelCalls > 0 {
			p.slots = make(chan struct{}, pl.MaxConcurrentModelCalls)
		} else {
			p.slots = nil
		}
	}
	logging.Get(logging.CategoryLimits).Info("platform ceilings reloaded",
		zap.Int("max_concurrent_model_calls", pl.MaxConcurrentModelCalls),
		zap.Int64("max_tokens_per_hour", pl.MaxTokensPerHour),
		zap.String("mode", pl.EnforcementMode))
}

// AcquireModelSlot reserves one concurrent model-call slot according to
// the enforcement mode. The returned release func must be deferred by the
// caller; it is safe to call exactly once on every path.
//
// Shadow mode records the violation but never blocks. Soft mode waits up
// to softWaitMax and then proceeds with a warning. Full mode blocks until
// a slot frees or ctx is done.
func (p *Platform) AcquireModelSlot(ctx context.Context) (func(), error) {
	p.mu.RLock()
	slots := p.slots
	p.mu.RUnlock()

	release := func() {
		p.inFlight.Add(-1)
		p.gaugeInFlight()
	}
	admit := func(held bool) func() {
		p.inFlight.Add(1)
		p.gaugeInFlight()
		if !held {
			return release
		}
		return func() {
			select {
			case <-slots:
			default:
			}
			release()
		}
	}

	if slots == nil {
		return admit(false), nil
	}

	// Fast path: free slot available.
	select {
	case slots <- struct{}{}:
		return admit(true), nil
	default:
	}

	mode := p.Mode()
	p.violation("concurrent_model_calls", mode)

	switch mode {
	case ModeShadow:
		logging.Get(logging.CategoryLimits).Info("shadow: model-call ceiling exceeded, admitting",
			zap.Int32("in_flight", p.inFlight.Load()))
		return admit(false), nil

	case ModeSoft:
		timer := time.NewTimer(p.softWaitMax)
		defer timer.Stop()
		select {
		case slots <- struct{}{}:
			return admit(true), nil
		case <-timer.C:
			logging.Get(logging.CategoryLimits).Warn("soft: model-call ceiling still exceeded after bounded wait, admitting",
				zap.Duration("waited", p.softWaitMax))
			return admit(false), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default: // ModeFull
		start := p.now()
		select {
		case slots <- struct{}{}:
			waited := p.now().Sub(start)
			if waited > 100*time.Millisecond {
				logging.Get(logging.CategoryLimits).Info("model-call slot acquired after wait",
					zap.Duration("waited", waited))
			}
			return admit(true), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ConsumeTokens records model token spend against the rolling hourly
// window. Exceeding the ceiling rejects with ErrRateLimited (retryable);
// the spend that triggered the rejection is still recorded, matching the
// fact that the provider already billed it.
func (p *Platform) ConsumeTokens(n int64) error {
	if n <= 0 {
		return nil
	}
	p.mu.RLock()
	ceiling := p.limits.MaxTokensPerHour
	p.mu.RUnlock()

	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	minute := p.now().Truncate(time.Minute)
	cutoff := minute.Add(-time.Hour)

	// Drop buckets older than one hour.
	kept := p.window[:0]
	var spent int64
	for _, b := range p.window {
		if b.minute.After(cutoff) {
			kept = append(kept, b)
			spent += b.tokens
		}
	}
	p.window = kept

	if len(p.window) > 0 && p.window[len(p.window)-1].minute.Equal(minute) {
		p.window[len(p.window)-1].tokens += n
	} else {
		p.window = append(p.window, tokenBucket{minute: minute, tokens: n})
	}
	spent += n

	if p.reg != nil {
		p.reg.Add(metrics.ModelTokensTotal, nil, float64(n))
	}

	if ceiling > 0 && spent > ceiling {
		mode := p.Mode()
		p.violation("tokens_per_hour", mode)
		if mode == ModeShadow {
			logging.Get(logging.CategoryLimits).Info("shadow: token ceiling exceeded, admitting",
				zap.Int64("spent", spent), zap.Int64("ceiling", ceiling))
			return nil
		}
		return fmt.Errorf("%w: %d tokens in the last hour exceeds %d", ErrRateLimited, spent, ceiling)
	}
	return nil
}

// CheckTokenBudget rejects a new model call while the rolling window is
// already over the hourly ceiling, so an over-budget worker stops
// spending instead of paying for calls it will reject afterwards.
// Shadow mode logs the violation and admits.
func (p *Platform) CheckTokenBudget() error {
	p.mu.RLock()
	ceiling := p.limits.MaxTokensPerHour
	p.mu.RUnlock()
	if ceiling <= 0 {
		return nil
	}
	spent := p.TokensSpentLastHour()
	if spent <= ceiling {
		return nil
	}
	mode := p.Mode()
	p.violation("tokens_per_hour", mode)
	if mode == ModeShadow {
		logging.Get(logging.CategoryLimits).Info("shadow: token ceiling exceeded, admitting",
			zap.Int64("spent", spent), zap.Int64("ceiling", ceiling))
		return nil
	}
	return fmt.Errorf("%w: %d tokens in the last hour exceeds %d", ErrRateLimited, spent, ceiling)
}

// TokensSpentLastHour returns the rolling-window spend. For status output.
func (p *Platform) TokensSpentLastHour() int64 {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	cutoff := p.now().Truncate(time.Minute).Add(-time.Hour)
	var spent int64
	for _, b := range p.window {
		if b.minute.After(cutoff) {
			spent += b.tokens
		}
	}
	return spent
}

// CheckQueueDepth rejects an enqueue that would exceed MaxQueuedJobs.
func (p *Platform) CheckQueueDepth(depth int) error {
	p.mu.RLock()
	ceiling := p.limits.MaxQueuedJobs
	p.mu.RUnlock()
	if ceiling <= 0 || depth < ceiling {
		return nil
	}
	mode := p.Mode()
	p.violation("queued_jobs", mode)
	if mode == ModeShadow {
		return nil
	}
	return fmt.Errorf("%w: %d jobs queued, ceiling %d", ErrQueueFull, depth, ceiling)
}

// InFlightModelCalls returns the current model-call gauge.
func (p *Platform) InFlightModelCalls() int {
	return int(p.inFlight.Load())
}

func (p *Platform) gaugeInFlight() {
	if p.reg != nil {
		p.reg.SetGauge("webpilot_model_calls_in_flight", nil, float64(p.inFlight.Load()))
	}
}

func (p *Platform) violation(ceiling string, mode Mode) {
	if p.reg != nil {
		p.reg.Inc(metrics.LimitViolationsTotal, map[string]string{
			"ceiling": ceiling,
			"mode":    string(mode),
		})
	}
}
