// Package obstruct detects and dismisses on-page overlays (cookie
// banners, consent dialogs, modals) that would intercept the intended
// interaction. The resolver never returns an error: any internal failure
// degrades to "not dismissed" and the caller proceeds with the original
// action, which may then fail naturally as a normal step failure.
package obstruct

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// blockThreshold is the score at which a container counts as blocking.
const blockThreshold = 30

// acceptVocabulary matches the visible text of dismiss/consent buttons.
var acceptVocabulary = []string{
	"accept", "agree", "ok", "got it", "continue", "allow",
	"i understand", "dismiss", "close",
}

// overlayKeywords matches class/id fragments of known overlay containers.
var overlayKeywords = []string{
	"cookie", "consent", "banner", "modal", "overlay", "popup",
	"gdpr", "privacy", "dialog", "notice",
}

// genericCloseSelectors are tried when no accept-text button is found.
var genericCloseSelectors = []string{
	"[aria-label=\"Close\"]",
	"[aria-label=\"close\"]",
	".close",
	".modal-close",
	".btn-close",
	"button.dismiss",
	"[data-dismiss]",
}

// Driver is the slice of the browser the resolver needs.
type Driver interface {
	Execute(ctx context.Context, action types.Action) types.StepResult
	SnapshotLayout(ctx context.Context) ([]types.DOMNode, types.Viewport, error)
}

// Result reports what the resolver did.
type Result struct {
	Found     bool   // a blocking container was detected
	Dismissed bool   // it is no longer visible
	Method    string // "text_match", "close_selector", "escape", or ""
	Selector  string // the container's selector
	Score     int
}

// Resolver scores overlay candidates and tries to dismiss the worst one.
type Resolver struct {
	driver Driver
}

// NewResolver creates a resolver over the given driver.
func NewResolver(driver Driver) *Resolver {
	return &Resolver{driver: driver}
}

// Score computes the blocking score for one node. Signals, per the
// dismissal heuristic: overlay positioning +10, keyword class/id +20,
// bottom 30% of viewport +10, meaningful viewport coverage +10.
func Score(n types.DOMNode, vp types.Viewport) int {
	if !n.Visible || vp.Width <= 0 || vp.Height <= 0 {
		return 0
	}
	score := 0
	if n.Position == "fixed" || n.Position == "absolute" || n.Position == "sticky" {
		score += 10
	}
	haystack := strings.ToLower(n.Classes + " " + n.ID)
	for _, kw := range overlayKeywords {
		if strings.Contains(haystack, kw) {
			score += 20
			break
		}
	}
	if n.Y >= vp.Height*0.7 {
		score += 10
	}
	area := n.Width * n.Height
	if area >= vp.Width*vp.Height*0.25 ||
		n.Height >= vp.Height*0.4 || n.Width >= vp.Width*0.4 {
		score += 10
	}
	return score
}

// findBlocking returns the highest-scoring blocking container, if any.
func findBlocking(nodes []types.DOMNode, vp types.Viewport) (types.DOMNode, int, bool) {
	var best types.DOMNode
	bestScore := 0
	for _, n := range nodes {
		if s := Score(n, vp); s >= blockThreshold && s > bestScore {
			best = n
			bestScore = s
		}
	}
	return best, bestScore, bestScore >= blockThreshold
}

// descendants returns indexes of nodes under container in the snapshot.
func descendants(nodes []types.DOMNode, container int) []int {
	under := map[int]bool{container: true}
	var out []int
	for _, n := range nodes {
		if n.Parent >= 0 && under[n.Parent] {
			under[n.Index] = true
			out = append(out, n.Index)
		}
	}
	return out
}

func clickable(n types.DOMNode) bool {
	switch strings.ToLower(n.Tag) {
	case "button", "a":
		return true
	}
	return strings.Contains(strings.ToLower(n.Classes), "btn")
}

// Resolve detects the worst blocking overlay and works through the
// dismissal ladder: accept-text click, generic close selectors, Escape.
// After each attempt the container's visibility is re-checked; the first
// attempt that makes it go away wins.
func (r *Resolver) Resolve(ctx context.Context) Result {
	log := logging.Get(logging.CategoryBrowser)

	nodes, vp, err := r.driver.SnapshotLayout(ctx)
	if err != nil {
		log.Debug("obstruction scan skipped, snapshot failed", zap.Error(err))
		return Result{}
	}

	container, score, found := findBlocking(nodes, vp)
	if !found {
		return Result{}
	}
	res := Result{Found: true, Selector: container.Selector, Score: score}
	log.Info("blocking overlay detected",
		zap.String("selector", container.Selector),
		zap.Int("score", score))

	// 1. Accept-vocabulary text match inside the container.
	for _, idx := range descendants(nodes, container.Index) {
		n := nodes[idx]
		if !n.Visible || !clickable(n) || n.Selector == "" {
			continue
		}
		text := strings.ToLower(strings.TrimSpace(n.Text))
		if text == "" || len(text) > 40 {
			continue
		}
		matched := false
		for _, vocab := range acceptVocabulary {
			if strings.Contains(text, vocab) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		step := r.driver.Execute(ctx, types.Action{Type: types.ActionClick, Selector: n.Selector})
		if step.Success && r.gone(ctx, container) {
			res.Dismissed = true
			res.Method = "text_match"
			log.Info("overlay dismissed via text match", zap.String("button", n.Selector))
			return res
		}
	}

	// 2. Generic close-button selectors.
	for _, sel := range genericCloseSelectors {
		step := r.driver.Execute(ctx, types.Action{Type: types.ActionClick, Selector: sel})
		if step.Success && r.gone(ctx, container) {
			res.Dismissed = true
			res.Method = "close_selector"
			log.Info("overlay dismissed via close selector", zap.String("selector", sel))
			return res
		}
	}

	// 3. Last resort: Escape.
	step := r.driver.Execute(ctx, types.Action{Type: types.ActionPress, Value: "Escape"})
	if step.Success && r.gone(ctx, container) {
		res.Dismissed = true
		res.Method = "escape"
		log.Info("overlay dismissed via escape")
		return res
	}

	log.Warn("overlay could not be dismissed, proceeding anyway",
		zap.String("selector", container.Selector))
	return res
}

// gone re-snapshots and reports whether the container stopped blocking.
func (r *Resolver) gone(ctx context.Context, container types.DOMNode) bool {
	nodes, vp, err := r.driver.SnapshotLayout(ctx)
	if err != nil {
		// Cannot verify; assume still there so the ladder continues.
		return false
	}
	for _, n := range nodes {
		if n.Selector == container.Selector || (container.ID != "" && n.ID == container.ID) {
			return !n.Visible || Score(n, vp) < blockThreshold
		}
	}
	return true
}
