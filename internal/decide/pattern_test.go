package decide

import (
	"context"
	"errors"
	"testing"

	"webpilot/internal/types"
)

const welcomePage = `<!DOCTYPE html>
<html><head><title>App</title><script>var welcome = "not rendered";</script></head>
<body>
  <h1>Welcome back, Jordan</h1>
  <button id="signup-btn">Sign up</button>
  <a href="/pricing">Pricing</a>
</body></html>`

func TestPatternAssertsTextPresence(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     `verify "Welcome back" is present`,
		TestMode: types.ModeExists,
		DOM:      welcomePage,
	}
	if !p.CanHandle(sc) {
		t.Fatal("pattern should handle a quoted exists goal")
	}
	decision, err := p.Decide(context.Background(), sc)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action.Type != types.ActionAssert {
		t.Fatalf("action = %s, want assert", decision.Action.Type)
	}
	if !decision.GoalReached {
		t.Fatal("goal not marked reached")
	}
}

func TestPatternStripsAssertionBoilerplate(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     "verify that Welcome back, Jordan is present",
		TestMode: types.ModeExists,
		DOM:      welcomePage,
	}
	decision, err := p.Decide(context.Background(), sc)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decision.GoalReached {
		t.Fatal("unquoted exists goal not resolved")
	}
}

func TestPatternEscalatesWhenTextAbsent(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     `verify "Logout" is present`,
		TestMode: types.ModeExists,
		DOM:      welcomePage,
	}
	if _, err := p.Decide(context.Background(), sc); !errors.Is(err, ErrNoDecision) {
		t.Fatalf("err = %v, want ErrNoDecision (absence is not proof)", err)
	}
}

func TestPatternIgnoresScriptText(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     `verify "not rendered" is present`,
		TestMode: types.ModeExists,
		DOM:      welcomePage,
	}
	if _, err := p.Decide(context.Background(), sc); !errors.Is(err, ErrNoDecision) {
		t.Fatalf("script content matched as page text, err = %v", err)
	}
}

func TestPatternClicksLabelledButton(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     `click "Sign up"`,
		TestMode: types.ModeFlow,
		DOM:      welcomePage,
	}
	decision, err := p.Decide(context.Background(), sc)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Action.Type != types.ActionClick || decision.Action.Selector != "#signup-btn" {
		t.Fatalf("action = %+v, want click on #signup-btn", decision.Action)
	}
	if decision.GoalReached {
		t.Fatal("a click step must not claim the goal")
	}
}

func TestPatternEscalatesClickWithoutUsableSelector(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     `click "Pricing"`,
		TestMode: types.ModeFlow,
		DOM:      welcomePage,
	}
	// The Pricing anchor has no id; guessing a positional selector is
	// worse than escalating to a model strategy.
	if _, err := p.Decide(context.Background(), sc); !errors.Is(err, ErrNoDecision) {
		t.Fatalf("err = %v, want ErrNoDecision", err)
	}
}

func TestPatternCannotHandleUnquotedFlowGoal(t *testing.T) {
	p := NewPatternStrategy()
	sc := StepContext{
		Goal:     "complete the signup flow and reach the dashboard",
		TestMode: types.ModeFlow,
		DOM:      welcomePage,
	}
	if p.CanHandle(sc) {
		t.Fatal("pattern claimed a fuzzy flow goal")
	}
}
