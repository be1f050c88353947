package decide

import (
	"context"
	"strings"

	"golang.org/x/net/html"

	"webpilot/internal/types"
)

// PatternStrategy is the deterministic, zero-cost first rung of the
// cascade. It parses the DOM snapshot and resolves goals that reduce to
// plain text matching: existence assertions and "click <label>" steps
// where the labelled element carries a usable id. Anything fuzzier is
// escalated.
type PatternStrategy struct{}

// NewPatternStrategy creates the heuristic strategy.
func NewPatternStrategy() *PatternStrategy { return &PatternStrategy{} }

func (p *PatternStrategy) Name() string { return "pattern" }

func (p *PatternStrategy) EstimateCost(StepContext) float64 { return 0 }

func (p *PatternStrategy) CanHandle(sc StepContext) bool {
	if sc.DOM == "" {
		return false
	}
	return sc.TestMode == types.ModeExists || needleFromGoal(sc.Goal) != ""
}

func (p *PatternStrategy) Decide(_ context.Context, sc StepContext) (types.ActionDecision, error) {
	doc, err := html.Parse(strings.NewReader(sc.DOM))
	if err != nil {
		return types.ActionDecision{}, ErrNoDecision
	}

	needle := needleFromGoal(sc.Goal)
	if needle == "" && sc.TestMode == types.ModeExists {
		needle = strippedGoal(sc.Goal)
	}
	if needle == "" {
		return types.ActionDecision{}, ErrNoDecision
	}

	wantsClick := strings.HasPrefix(strings.ToLower(strings.TrimSpace(sc.Goal)), "click")
	if wantsClick {
		if sel, ok := findClickTarget(doc, needle); ok {
			return types.ActionDecision{
				Action:     types.Action{Type: types.ActionClick, Selector: sel},
				Confidence: 0.9,
			}, nil
		}
		return types.ActionDecision{}, ErrNoDecision
	}

	if pageContainsText(doc, needle) {
		return types.ActionDecision{
			Action:      types.Action{Type: types.ActionAssert, Value: needle},
			Confidence:  0.95,
			GoalReached: true,
		}, nil
	}

	// Absence of the text is not proof of failure: the page may need more
	// steps. Escalate rather than guess.
	return types.ActionDecision{}, ErrNoDecision
}

// needleFromGoal extracts the first quoted phrase from the goal.
func needleFromGoal(goal string) string {
	for _, q := range []string{`"`, "'"} {
		start := strings.Index(goal, q)
		if start < 0 {
			continue
		}
		rest := goal[start+1:]
		end := strings.Index(rest, q)
		if end > 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return ""
}

// strippedGoal removes assertion boilerplate so a bare exists goal like
// "verify that Welcome back is present" leaves "Welcome back".
func strippedGoal(goal string) string {
	s := strings.TrimSpace(goal)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"verify that ", "verify ", "check that ", "check ", "assert that ", "assert ", "ensure that ", "ensure "} {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			lower = lower[len(prefix):]
			break
		}
	}
	for _, suffix := range []string{" is present", " is visible", " exists", " appears", " is shown"} {
		if strings.HasSuffix(lower, suffix) {
			s = s[:len(s)-len(suffix)]
			break
		}
	}
	return strings.TrimSpace(s)
}

// pageContainsText walks the parse tree looking for the needle in
// rendered text, skipping script and style subtrees.
func pageContainsText(doc *html.Node, needle string) bool {
	needle = strings.ToLower(needle)
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return false
		}
		if n.Type == html.TextNode &&
			strings.Contains(strings.ToLower(n.Data), needle) {
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(doc)
}

// findClickTarget locates a button/anchor/input whose visible text or
// label matches the needle and that carries an id usable as a selector.
// Elements without an id are skipped; inventing brittle positional
// selectors is worse than escalating.
func findClickTarget(doc *html.Node, needle string) (string, bool) {
	needle = strings.ToLower(needle)
	var found string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "button", "a", "input":
				label := strings.ToLower(strings.TrimSpace(nodeText(n)))
				if label == "" {
					label = strings.ToLower(attr(n, "value"))
				}
				if label != "" && strings.Contains(label, needle) {
					if id := attr(n, "id"); id != "" {
						found = "#" + id
						return
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found, found != ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
