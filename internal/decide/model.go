package decide

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"webpilot/internal/types"
)

// defaultCallTimeout bounds each model invocation. A timed-out call is a
// strategy failure, not a run failure.
const defaultCallTimeout = 30 * time.Second

// maxDOMPromptBytes caps how much of the DOM snapshot goes into a prompt.
const maxDOMPromptBytes = 24 * 1024

// minConfidence is the floor under which a model decision is discarded
// and the cascade escalates instead.
const minConfidence = 0.3

// Gate admits model calls against the platform ceilings. Implemented by
// the limits package; strategies only see this slice of it.
type Gate interface {
	AcquireModelSlot(ctx context.Context) (func(), error)
	CheckTokenBudget() error
	ConsumeTokens(n int64) error
}

// ModelClient is the model backend the strategies call.
type ModelClient interface {
	GenerateText(ctx context.Context, prompt string) (text string, tokens int64, err error)
	GenerateVision(ctx context.Context, prompt string, png []byte) (text string, tokens int64, err error)
}

// =============================================================================
// GENAI BACKEND
// =============================================================================

// GenAIClient implements ModelClient over the Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient dials the Gemini API. Model defaults to a flash-class
// model; decisions are latency-sensitive and frequent.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai: api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

func (g *GenAIClient) GenerateText(ctx context.Context, prompt string) (string, int64, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	return g.generate(ctx, contents)
}

func (g *GenAIClient) GenerateVision(ctx context.Context, prompt string, png []byte) (string, int64, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(png, "image/png"),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	return g.generate(ctx, contents)
}

func (g *GenAIClient) generate(ctx context.Context, contents []*genai.Content) (string, int64, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", 0, fmt.Errorf("genai: generate: %w", err)
	}
	var tokens int64
	if resp.UsageMetadata != nil {
		tokens = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return resp.Text(), tokens, nil
}

// =============================================================================
// PROMPTS & PARSING
// =============================================================================

const decisionInstructions = `You drive a browser to accomplish a test goal.
Respond with ONLY a JSON object, no prose, no markdown fences:
{"action":{"type":"navigate|click|input|scroll|press|wait|assert|done","selector":"CSS selector or empty","value":"text/key/url or empty"},"confidence":0.0,"goal_reached":false}
Use "done" with goal_reached=true when the goal is accomplished.
Confidence is your own estimate in [0,1].`

func buildPrompt(sc StepContext, withDOM bool) string {
	var b strings.Builder
	b.WriteString(decisionInstructions)
	fmt.Fprintf(&b, "\n\nGoal: %s\nTest mode: %s\nStep %d of at most %d.\n",
		sc.Goal, sc.TestMode, sc.StepNumber, sc.MaxSteps)
	if sc.LastError != "" {
		fmt.Fprintf(&b, "Previous step failed: %s\n", sc.LastError)
	}
	if n := len(sc.History); n > 0 {
		b.WriteString("Recent steps:\n")
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, st := range sc.History[start:] {
			fmt.Fprintf(&b, "  %d. %s %s %s (success=%v)\n",
				st.StepNumber, st.Action.Type, st.Action.Selector, st.Action.Value, st.Success)
		}
	}
	if withDOM && sc.DOM != "" {
		dom := sc.DOM
		if len(dom) > maxDOMPromptBytes {
			dom = dom[:maxDOMPromptBytes]
		}
		fmt.Fprintf(&b, "\nCurrent page HTML (truncated):\n%s\n", dom)
	}
	return b.String()
}

type modelDecision struct {
	Action struct {
		Type     string `json:"type"`
		Selector string `json:"selector"`
		Value    string `json:"value"`
	} `json:"action"`
	Confidence  float64 `json:"confidence"`
	GoalReached bool    `json:"goal_reached"`
}

// parseDecision extracts the JSON decision from model output, tolerating
// markdown fences the instructions forbid but models emit anyway.
func parseDecision(text string) (types.ActionDecision, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var md modelDecision
	if err := json.Unmarshal([]byte(text), &md); err != nil {
		return types.ActionDecision{}, fmt.Errorf("unparseable model output: %w", err)
	}
	kind := types.ActionKind(md.Action.Type)
	switch kind {
	case types.ActionNavigate, types.ActionClick, types.ActionInput, types.ActionScroll,
		types.ActionPress, types.ActionWait, types.ActionAssert, types.ActionDone:
	default:
		return types.ActionDecision{}, fmt.Errorf("unknown action type %q", md.Action.Type)
	}
	return types.ActionDecision{
		Action: types.Action{
			Type:     kind,
			Selector: md.Action.Selector,
			Value:    md.Action.Value,
		},
		Confidence:  md.Confidence,
		GoalReached: md.GoalReached,
	}, nil
}

// callModel brackets one model invocation with the platform gate, the
// call timeout, and token accounting.
func callModel(ctx context.Context, gate Gate, timeout time.Duration,
	invoke func(ctx context.Context) (string, int64, error)) (types.ActionDecision, error) {

	// Reject before invoking: an over-budget window must not keep buying
	// calls it will discard afterwards.
	if err := gate.CheckTokenBudget(); err != nil {
		return types.ActionDecision{}, fmt.Errorf("token budget: %w", err)
	}

	release, err := gate.AcquireModelSlot(ctx)
	if err != nil {
		return types.ActionDecision{}, fmt.Errorf("model slot: %w", err)
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, tokens, err := invoke(callCtx)
	if err != nil {
		return types.ActionDecision{}, err
	}
	if err := gate.ConsumeTokens(tokens); err != nil {
		return types.ActionDecision{}, err
	}

	decision, err := parseDecision(text)
	if err != nil {
		return types.ActionDecision{}, fmt.Errorf("%w: %v", ErrNoDecision, err)
	}
	if decision.Confidence < minConfidence {
		return types.ActionDecision{}, ErrNoDecision
	}
	return decision, nil
}

// =============================================================================
// REASONING STRATEGY
// =============================================================================

// ReasoningStrategy asks the model to decide from the goal plus the DOM
// snapshot. It is the default fallback and handles every context.
type ReasoningStrategy struct {
	client  ModelClient
	gate    Gate
	timeout time.Duration
}

// NewReasoningStrategy builds the text-model strategy. A non-positive
// timeout falls back to the default.
func NewReasoningStrategy(client ModelClient, gate Gate, timeout time.Duration) *ReasoningStrategy {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &ReasoningStrategy{client: client, gate: gate, timeout: timeout}
}

func (r *ReasoningStrategy) Name() string { return "reasoning" }

func (r *ReasoningStrategy) EstimateCost(StepContext) float64 { return 1 }

func (r *ReasoningStrategy) CanHandle(StepContext) bool { return true }

func (r *ReasoningStrategy) Decide(ctx context.Context, sc StepContext) (types.ActionDecision, error) {
	prompt := buildPrompt(sc, true)
	return callModel(ctx, r.gate, r.timeout, func(ctx context.Context) (string, int64, error) {
		return r.client.GenerateText(ctx, prompt)
	})
}

// =============================================================================
// VISION STRATEGY
// =============================================================================

// VisionStrategy sends the latest screenshot alongside the goal. Costs
// roughly 10x a text call, so ShouldUseVision gates every use.
type VisionStrategy struct {
	client  ModelClient
	gate    Gate
	timeout time.Duration
}

// NewVisionStrategy builds the multimodal strategy. A non-positive
// timeout falls back to the default.
func NewVisionStrategy(client ModelClient, gate Gate, timeout time.Duration) *VisionStrategy {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &VisionStrategy{client: client, gate: gate, timeout: timeout}
}

func (v *VisionStrategy) Name() string { return "vision" }

func (v *VisionStrategy) EstimateCost(StepContext) float64 { return 10 }

func (v *VisionStrategy) CanHandle(sc StepContext) bool {
	return len(sc.Screenshot) > 0 && ShouldUseVision(visionContextFor(sc))
}

func (v *VisionStrategy) Decide(ctx context.Context, sc StepContext) (types.ActionDecision, error) {
	prompt := buildPrompt(sc, false) +
		"\nA screenshot of the current page is attached. Decide from what you see."
	return callModel(ctx, v.gate, v.timeout, func(ctx context.Context) (string, int64, error) {
		return v.client.GenerateVision(ctx, prompt, sc.Screenshot)
	})
}
