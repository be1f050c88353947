// Package trace builds the per-run execution timeline and flushes it
// through the storage fallback layer at run end.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/store"
	"webpilot/internal/types"
)

// Builder accumulates one run's timeline. Console and network output is
// buffered and attached to the next appended step, then cleared. Not safe
// for concurrent use; the owning run goroutine is the only writer.
type Builder struct {
	mu sync.Mutex

	trace   types.Trace
	flushed bool

	pendingConsole []string
	pendingNetwork []types.NetworkEvent

	screenshots map[int][]byte // step number -> png, uploaded on save

	objects store.ObjectStore
	reg     *Registry
}

// Registry hands out builders and enforces exactly one open trace per
// runID at a time.
type Registry struct {
	mu      sync.Mutex
	open    map[string]*Builder
	objects store.ObjectStore
}

// NewRegistry creates the trace registry over the given object store.
func NewRegistry(objects store.ObjectStore) *Registry {
	return &Registry{open: make(map[string]*Builder), objects: objects}
}

// Create opens a trace for runID. A second open trace for the same runID
// is a programming error and is rejected.
func (r *Registry) Create(runID, url, browser, viewport string) (*Builder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.open[runID]; exists {
		return nil, fmt.Errorf("trace already open for run %s", runID)
	}
	b := &Builder{
		trace: types.Trace{
			RunID:     runID,
			URL:       url,
			Browser:   browser,
			Viewport:  viewport,
			StartedAt: time.Now().UTC(),
		},
		screenshots: make(map[int][]byte),
		objects:     r.objects,
		reg:         r,
	}
	r.open[runID] = b
	return b, nil
}

func (r *Registry) close(runID string) {
	r.mu.Lock()
	delete(r.open, runID)
	r.mu.Unlock()
}

// AddConsoleLog buffers console output for the next step.
func (b *Builder) AddConsoleLog(lines ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingConsole = append(b.pendingConsole, lines...)
}

// AddNetworkEvent buffers a network event for the next step.
func (b *Builder) AddNetworkEvent(ev types.NetworkEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingNetwork = append(b.pendingNetwork, ev)
}

// AddStep appends the next step, attaching and clearing any buffered
// console/network output. Steps are numbered monotonically from 1; the
// builder assigns the number and returns it.
func (b *Builder) AddStep(action types.Action, strategyUsed string, success bool, stepErr string, screenshot []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	num := len(b.trace.Steps) + 1
	step := types.Step{
		StepNumber:   num,
		Action:       action,
		Timestamp:    time.Now().UTC(),
		Success:      success,
		Error:        stepErr,
		StrategyUsed: strategyUsed,
		ConsoleLog:   b.pendingConsole,
		NetworkLog:   b.pendingNetwork,
	}
	b.pendingConsole = nil
	b.pendingNetwork = nil

	if len(screenshot) > 0 {
		step.ScreenshotRef = fmt.Sprintf("runs/%s/steps/%03d.png", b.trace.RunID, num)
		b.screenshots[num] = screenshot
	}

	b.trace.Steps = append(b.trace.Steps, step)
	return num
}

// StepCount returns the number of appended steps.
func (b *Builder) StepCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.trace.Steps)
}

// MarkFailed records the run's failure marker.
func (b *Builder) MarkFailed(stepNumber int, reason types.FailureReason, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Failure = &types.RunFailure{
		Reason:  reason,
		Message: message,
		StepID:  stepNumber,
	}
}

// Discard drops the in-memory trace without persisting and releases the
// run's registration, so a retried run can open a fresh trace.
func (b *Builder) Discard() {
	b.mu.Lock()
	flushed := b.flushed
	b.flushed = true
	b.mu.Unlock()
	if !flushed {
		b.reg.close(b.trace.RunID)
	}
}

// Save finalizes the trace, uploads screenshots and the trace document,
// and returns the trace URL. Idempotent-safe: a second call after a
// successful flush is a no-op returning "".
func (b *Builder) Save(ctx context.Context, status types.RunStatus) (string, error) {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return "", nil
	}
	b.trace.Status = status
	b.trace.CompletedAt = time.Now().UTC()
	b.trace.DurationMs = b.trace.CompletedAt.Sub(b.trace.StartedAt).Milliseconds()
	snapshot := b.trace
	shots := b.screenshots
	b.mu.Unlock()

	log := logging.Get(logging.CategoryTrace)

	// Screenshot upload failures are tolerable; the step keeps its ref and
	// the report renders a gap. The trace document itself is not optional.
	for num, png := range shots {
		key := fmt.Sprintf("runs/%s/steps/%03d.png", snapshot.RunID, num)
		if err := b.objects.Upload(ctx, key, png, "image/png"); err != nil {
			log.Warn("screenshot upload failed",
				zap.String("run_id", snapshot.RunID),
				zap.Int("step", num),
				zap.Error(err))
		}
	}

	doc, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("trace: marshal run %s: %w", snapshot.RunID, err)
	}

	key := fmt.Sprintf("runs/%s/trace.json", snapshot.RunID)
	if err := b.objects.Upload(ctx, key, doc, "application/json"); err != nil {
		return "", fmt.Errorf("trace: persist run %s: %w", snapshot.RunID, err)
	}

	url, err := b.objects.SignedURL(ctx, key)
	if err != nil {
		log.Warn("trace stored but URL resolution failed",
			zap.String("run_id", snapshot.RunID), zap.Error(err))
		url = ""
	}

	b.mu.Lock()
	b.flushed = true
	b.screenshots = nil
	b.mu.Unlock()
	b.reg.close(snapshot.RunID)

	log.Info("trace persisted",
		zap.String("run_id", snapshot.RunID),
		zap.String("status", string(status)),
		zap.Int("steps", len(snapshot.Steps)),
		zap.Int64("duration_ms", snapshot.DurationMs))
	return url, nil
}
