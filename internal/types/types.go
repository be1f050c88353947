// Package types defines the shared data model for the webpilot worker:
// jobs, runs, steps, decisions, traces, and the limit records consulted
// by every other package. It has no dependencies so any package can
// import it without cycles.
package types

import "time"

// =============================================================================
// JOB
// =============================================================================

// TestMode selects what kind of goal a run is asserting.
type TestMode string

const (
	ModeExists   TestMode = "exists"   // an element/text must be present
	ModeFlow     TestMode = "flow"     // multi-step user flow toward a goal
	ModeVisual   TestMode = "visual"   // final page must pass a visual verdict
	ModeDiagnose TestMode = "diagnose" // navigate and collect diagnostics only
)

// JobState is the queue-side lifecycle of a job. The queue owns the job
// until a worker claims it; a claimed job is "active" until settled.
type JobState string

const (
	JobPending JobState = "pending"
	JobActive  JobState = "active"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
	JobDead    JobState = "dead" // retries exhausted, never retried again
)

// Job is one queued unit of work. Jobs arrive from the external API and
// are destroyed (settled) when completed, failed permanently, or reclaimed
// as stale too many times.
type Job struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	TargetURL   string            `json:"target_url"`
	Goal        string            `json:"goal"`
	TestMode    TestMode          `json:"test_mode"`
	Tier        string            `json:"tier"`
	Options     map[string]string `json:"options,omitempty"`
	State       JobState          `json:"state"`
	Attempts    int               `json:"attempts"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	ClaimedAt   time.Time         `json:"claimed_at,omitempty"`
	HeartbeatAt time.Time         `json:"heartbeat_at,omitempty"`
}

// =============================================================================
// RUN
// =============================================================================

// RunStatus is the authoritative run state. Transitions only move forward:
// pending -> running -> (paused <-> running) -> diagnosing -> terminal.
// Terminal states absorb every signal.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusRunning    RunStatus = "running"
	StatusPaused     RunStatus = "paused"
	StatusDiagnosing RunStatus = "diagnosing"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether a status can never change again.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is legal.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusPaused || next == StatusDiagnosing ||
			next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusPaused:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusDiagnosing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// FailureReason is the enumerated, user-visible reason a run ended badly.
// Raw internal errors never cross the worker boundary; these do.
type FailureReason string

const (
	ReasonStepLimit     FailureReason = "step_limit_reached"
	ReasonRateLimited   FailureReason = "rate_limited"
	ReasonStuck         FailureReason = "stuck"
	ReasonDriverCrash   FailureReason = "driver_crashed"
	ReasonStorageFailed FailureReason = "storage_failed"
	ReasonInvalidJob    FailureReason = "invalid_job"
	ReasonCancelled     FailureReason = "cancelled"
	ReasonPauseTimeout  FailureReason = "pause_timeout"
)

// RunFailure pairs the enumerated reason with a human-readable message and
// the step on which the run gave up.
type RunFailure struct {
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
	StepID  int           `json:"step_id"`
}

// Run is one end-to-end execution of a Job. Owned exclusively by the
// worker goroutine processing it; only status transitions triggered by the
// control channel are applied from outside, at defined checkpoints.
type Run struct {
	RunID       string      `json:"run_id"`
	JobID       string      `json:"job_id"`
	TargetURL   string      `json:"target_url"`
	Goal        string      `json:"goal"`
	TestMode    TestMode    `json:"test_mode"`
	Tier        string      `json:"tier"`
	Status      RunStatus   `json:"status"`
	CurrentStep int         `json:"current_step"`
	Steps       []Step      `json:"steps"`
	Limits      TierLimits  `json:"limits"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Failure     *RunFailure `json:"failure,omitempty"`
}

// RunOutcome is what the scheduler reports back to the queue.
type RunOutcome struct {
	RunID     string
	Status    RunStatus
	StepCount int
	TraceURL  string
	Failure   *RunFailure
}

// =============================================================================
// STEP
// =============================================================================

// NetworkEvent is one captured request/response pair, trimmed for traces.
type NetworkEvent struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Failed     bool   `json:"failed"`
}

// Step is one decide-then-execute iteration. Append-only and immutable
// once appended; numbered monotonically from 1.
type Step struct {
	StepNumber    int            `json:"step_number"`
	Action        Action         `json:"action"`
	Timestamp     time.Time      `json:"timestamp"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	StrategyUsed  string         `json:"strategy_used"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	ConsoleLog    []string       `json:"console_log,omitempty"`
	NetworkLog    []NetworkEvent `json:"network_log,omitempty"`
}

// =============================================================================
// ACTIONS & DECISIONS
// =============================================================================

// ActionKind enumerates the browser actions the core can request.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionInput    ActionKind = "input" // type text into an element
	ActionScroll   ActionKind = "scroll"
	ActionPress    ActionKind = "press" // a single key, e.g. "Escape"
	ActionWait     ActionKind = "wait"
	ActionAssert   ActionKind = "assert" // verify without mutating the page
	ActionDone     ActionKind = "done"   // goal reached, stop the loop
)

// Action is the concrete instruction handed to the browser driver.
type Action struct {
	Type     ActionKind `json:"type"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
}

// ActionDecision is the transient product of one router invocation. It is
// consumed within a single step iteration and never persisted directly;
// only the resulting Step is.
type ActionDecision struct {
	Action       Action  `json:"action"`
	Confidence   float64 `json:"confidence"` // in [0,1]
	StrategyUsed string  `json:"strategy_used"`
	Success      bool    `json:"success"`
	GoalReached  bool    `json:"goal_reached,omitempty"`
}

// StepResult is what the browser driver reports after executing an action.
type StepResult struct {
	Success    bool
	Error      string
	Screenshot []byte
	ConsoleLog []string
	NetworkLog []NetworkEvent
}

// =============================================================================
// LIMITS
// =============================================================================

// TierLimits is the immutable per-tier resource/feature record. Looked up
// by tier name, never mutated at runtime.
type TierLimits struct {
	Name               string `json:"name"`
	MaxSteps           int    `json:"max_steps"`
	MaxPages           int    `json:"max_pages"`
	MaxScreenshots     int    `json:"max_screenshots"`
	SelfHealingRetries int    `json:"self_healing_retries"`
	GodModeAllowed     bool   `json:"god_mode_allowed"`
	VideoRecording     bool   `json:"video_recording"`
	VisionOnError      bool   `json:"vision_on_error"`
	VisionOnFallback   bool   `json:"vision_on_fallback"`
}

// PlatformLimits are process-wide ceilings enforced across all concurrent
// runs, independent of tier. Lifecycle is the process lifetime; refresh
// only via restart or explicit reload.
type PlatformLimits struct {
	MaxConcurrentModelCalls int    `json:"max_concurrent_model_calls" yaml:"max_concurrent_model_calls"`
	MaxTokensPerHour        int64  `json:"max_tokens_per_hour" yaml:"max_tokens_per_hour"`
	MaxQueuedJobs           int    `json:"max_queued_jobs" yaml:"max_queued_jobs"`
	EnforcementMode         string `json:"enforcement_mode" yaml:"enforcement_mode"` // shadow, soft, full
}

// =============================================================================
// TRACE
// =============================================================================

// Trace is the finalized execution record persisted at run end.
type Trace struct {
	RunID       string      `json:"run_id"`
	URL         string      `json:"url"`
	Browser     string      `json:"browser"`
	Viewport    string      `json:"viewport"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	DurationMs  int64       `json:"duration_ms"`
	Status      RunStatus   `json:"status"`
	Steps       []Step      `json:"steps"`
	Failure     *RunFailure `json:"failure,omitempty"`
}

// StorageRef is an opaque object key plus a resolvable URL. Ownership of
// the underlying bytes belongs to whichever store accepted the write.
type StorageRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}
