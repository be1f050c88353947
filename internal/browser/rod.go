// Package browser drives a Chromium page through rod. One Driver serves
// one run; the scheduler creates and closes a fresh driver per run so no
// page state leaks between jobs.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"webpilot/internal/config"
	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// layoutShiftThreshold is the cumulative shift score above which the
// page is considered to have visibly rearranged since the last check.
const layoutShiftThreshold = 0.1

// maxLayoutNodes caps the layout snapshot size.
const maxLayoutNodes = 300

// Driver is one live page plus its captured console/network streams.
type Driver struct {
	cfg     config.BrowserConfig
	browser *rod.Browser
	page    *rod.Page
	cleanup func()

	mu         sync.Mutex
	consoleBuf []string
	networkBuf []types.NetworkEvent
	inflight   map[proto.NetworkRequestID]requestStart

	lastShift float64
}

type requestStart struct {
	method string
	url    string
	at     time.Time
}

// Launch starts (or attaches to) a browser and opens a blank page with
// the configured viewport. Console and network capture starts
// immediately; the layout shift observer is installed on every new
// document.
func Launch(ctx context.Context, cfg config.BrowserConfig) (*Driver, error) {
	var controlURL string
	var cleanup func()

	if cfg.DebuggerURL != "" {
		controlURL = cfg.DebuggerURL
		cleanup = func() {}
	} else {
		l := launcher.New().Headless(cfg.Headless)
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		controlURL = url
		cleanup = l.Cleanup
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		cleanup()
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             cfg.ViewportWidth,
			Height:            cfg.ViewportHeight,
			DeviceScaleFactor: 1,
		}).Call(page); err != nil {
			logging.Get(logging.CategoryBrowser).Warn("viewport override failed", zap.Error(err))
		}
	}

	d := &Driver{
		cfg:      cfg,
		browser:  b,
		page:     page,
		cleanup:  cleanup,
		inflight: make(map[proto.NetworkRequestID]requestStart),
	}
	d.installShiftObserver()
	d.startEventStream()
	return d, nil
}

// Close tears the page and browser down.
func (d *Driver) Close() error {
	err := d.browser.Close()
	d.cleanup()
	return err
}

// Viewport reports the configured page dimensions as a label string.
func (d *Driver) Viewport() string {
	return fmt.Sprintf("%dx%d", d.cfg.ViewportWidth, d.cfg.ViewportHeight)
}

// Name identifies the browser in traces.
func (d *Driver) Name() string { return "chromium" }

// =============================================================================
// EVENT CAPTURE
// =============================================================================

func (d *Driver) installShiftObserver() {
	_, err := d.page.EvalOnNewDocument(`
		window.__wpLayoutShift = 0;
		try {
			new PerformanceObserver((list) => {
				for (const e of list.getEntries()) {
					if (!e.hadRecentInput) window.__wpLayoutShift += e.value;
				}
			}).observe({ type: 'layout-shift', buffered: true });
		} catch (e) {}
	`)
	if err != nil {
		logging.Get(logging.CategoryBrowser).Debug("layout shift observer not installed", zap.Error(err))
	}
}

func (d *Driver) startEventStream() {
	wait := d.page.EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			line := fmt.Sprintf("[%s] %s", ev.Type, stringifyArgs(ev.Args))
			d.mu.Lock()
			d.consoleBuf = append(d.consoleBuf, line)
			d.mu.Unlock()
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			d.mu.Lock()
			d.inflight[ev.RequestID] = requestStart{
				method: ev.Request.Method,
				url:    ev.Request.URL,
				at:     time.Now(),
			}
			d.mu.Unlock()
		},
		func(ev *proto.NetworkResponseReceived) {
			d.mu.Lock()
			if start, ok := d.inflight[ev.RequestID]; ok {
				delete(d.inflight, ev.RequestID)
				d.networkBuf = append(d.networkBuf, types.NetworkEvent{
					Method:     start.method,
					URL:        start.url,
					Status:     ev.Response.Status,
					DurationMs: time.Since(start.at).Milliseconds(),
					Failed:     ev.Response.Status >= 400,
				})
			}
			d.mu.Unlock()
		},
		func(ev *proto.NetworkLoadingFailed) {
			d.mu.Lock()
			if start, ok := d.inflight[ev.RequestID]; ok {
				delete(d.inflight, ev.RequestID)
				d.networkBuf = append(d.networkBuf, types.NetworkEvent{
					Method:     start.method,
					URL:        start.url,
					DurationMs: time.Since(start.at).Milliseconds(),
					Failed:     true,
				})
			}
			d.mu.Unlock()
		},
	)
	go wait()
}

func stringifyArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if a.Value.Nil() {
			parts = append(parts, a.Description)
			continue
		}
		parts = append(parts, a.Value.String())
	}
	return strings.Join(parts, " ")
}

// DrainLogs returns and clears the console and network buffers captured
// since the previous drain. Called once per step.
func (d *Driver) DrainLogs() ([]string, []types.NetworkEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	console := d.consoleBuf
	network := d.networkBuf
	d.consoleBuf = nil
	d.networkBuf = nil
	return console, network
}

// LayoutShifted reports whether the cumulative layout shift score grew
// past the threshold since the last call.
func (d *Driver) LayoutShifted(ctx context.Context) bool {
	res, err := d.page.Context(ctx).Eval(`() => window.__wpLayoutShift || 0`)
	if err != nil {
		return false
	}
	current := res.Value.Num()
	shifted := current-d.lastShift > layoutShiftThreshold
	d.lastShift = current
	return shifted
}

// =============================================================================
// ACTIONS
// =============================================================================

// Navigate loads url and waits for the load event.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	page := d.page.Context(ctx).Timeout(d.cfg.NavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load %s: %w", url, err)
	}
	return nil
}

// Execute performs one action and reports the result. Driver errors are
// returned as step failures, never panics; a crashed page surfaces as an
// error the run loop converts to its own failure handling.
func (d *Driver) Execute(ctx context.Context, action types.Action) types.StepResult {
	err := d.execute(ctx, action)
	if err != nil {
		return types.StepResult{Success: false, Error: err.Error()}
	}
	return types.StepResult{Success: true}
}

func (d *Driver) execute(ctx context.Context, action types.Action) error {
	page := d.page.Context(ctx)

	switch action.Type {
	case types.ActionNavigate:
		return d.Navigate(ctx, action.Value)

	case types.ActionClick:
		el, err := page.Timeout(d.cfg.NavigationTimeout()).Element(action.Selector)
		if err != nil {
			return fmt.Errorf("element not found: %s", action.Selector)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)

	case types.ActionInput:
		el, err := page.Timeout(d.cfg.NavigationTimeout()).Element(action.Selector)
		if err != nil {
			return fmt.Errorf("element not found: %s", action.Selector)
		}
		if err := el.SelectAllText(); err == nil {
			_ = el.Type(input.Backspace)
		}
		return el.Input(action.Value)

	case types.ActionScroll:
		pixels := 600
		if action.Value != "" {
			if n, err := strconv.Atoi(action.Value); err == nil {
				pixels = n
			}
		}
		_, err := page.Eval(`(px) => window.scrollBy(0, px)`, pixels)
		return err

	case types.ActionPress:
		key, ok := keyFor(action.Value)
		if !ok {
			return fmt.Errorf("unknown key: %s", action.Value)
		}
		return page.Keyboard.Press(key)

	case types.ActionWait:
		delay := time.Second
		if action.Value != "" {
			if ms, err := strconv.Atoi(action.Value); err == nil {
				delay = time.Duration(ms) * time.Millisecond
			}
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case types.ActionAssert:
		return d.assertText(ctx, action)

	case types.ActionDone:
		return nil
	}
	return fmt.Errorf("unsupported action: %s", action.Type)
}

func keyFor(name string) (input.Key, bool) {
	switch strings.ToLower(name) {
	case "escape", "esc":
		return input.Escape, true
	case "enter", "return":
		return input.Enter, true
	case "tab":
		return input.Tab, true
	case "backspace":
		return input.Backspace, true
	case "arrowdown", "down":
		return input.ArrowDown, true
	case "arrowup", "up":
		return input.ArrowUp, true
	}
	return 0, false
}

// assertText verifies page content without mutating it. With a selector
// the element must exist (and contain the value when given); without one
// the value must appear in the page text.
func (d *Driver) assertText(ctx context.Context, action types.Action) error {
	page := d.page.Context(ctx)

	if action.Selector != "" {
		el, err := page.Timeout(5 * time.Second).Element(action.Selector)
		if err != nil {
			return fmt.Errorf("assert: element not found: %s", action.Selector)
		}
		if action.Value == "" {
			return nil
		}
		text, err := el.Text()
		if err != nil {
			return fmt.Errorf("assert: read element text: %w", err)
		}
		if !strings.Contains(strings.ToLower(text), strings.ToLower(action.Value)) {
			return fmt.Errorf("assert: %q not in element %s", action.Value, action.Selector)
		}
		return nil
	}

	res, err := page.Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return fmt.Errorf("assert: read page text: %w", err)
	}
	if !strings.Contains(strings.ToLower(res.Value.Str()), strings.ToLower(action.Value)) {
		return fmt.Errorf("assert: %q not found on page", action.Value)
	}
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Screenshot captures the visible viewport as PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := d.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return png, nil
}

// SnapshotDOM returns the page's current HTML.
func (d *Driver) SnapshotDOM(ctx context.Context) (string, error) {
	html, err := d.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: html snapshot: %w", err)
	}
	return html, nil
}

// layoutScript extracts per-element geometry, computed position, and a
// best-effort selector in document order. Parent is the index of the
// element's parent within the same array, -1 at the root.
const layoutScript = `
(max) => {
	const els = Array.from(document.querySelectorAll('*')).slice(0, max);
	const selectorFor = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		let n = el;
		while (n && n.nodeType === 1 && parts.length < 4) {
			if (n.id) { parts.unshift('#' + CSS.escape(n.id)); break; }
			let p = n.tagName.toLowerCase();
			const parent = n.parentElement;
			if (parent) {
				const sibs = Array.from(parent.children).filter(c => c.tagName === n.tagName);
				if (sibs.length > 1) p += ':nth-of-type(' + (sibs.indexOf(n) + 1) + ')';
			}
			parts.unshift(p);
			n = parent;
		}
		return parts.join(' > ');
	};
	return {
		viewport: { width: window.innerWidth, height: window.innerHeight },
		nodes: els.map((el, idx) => {
			const rect = el.getBoundingClientRect();
			const style = window.getComputedStyle(el);
			const visible = style.display !== 'none' && style.visibility !== 'hidden' &&
				style.opacity !== '0' && rect.width > 0 && rect.height > 0;
			return {
				index: idx,
				parent: el.parentElement ? els.indexOf(el.parentElement) : -1,
				tag: el.tagName.toLowerCase(),
				id: el.id || '',
				classes: el.className && el.className.toString ? el.className.toString() : '',
				text: (el.innerText || '').slice(0, 120),
				selector: selectorFor(el),
				position: style.position,
				x: rect.x, y: rect.y, width: rect.width, height: rect.height,
				visible: visible
			};
		})
	};
}`

// SnapshotLayout captures element geometry for obstruction scoring.
func (d *Driver) SnapshotLayout(ctx context.Context) ([]types.DOMNode, types.Viewport, error) {
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           layoutScript,
		JSArgs:       []interface{}{maxLayoutNodes},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, types.Viewport{}, fmt.Errorf("browser: layout snapshot: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, types.Viewport{}, fmt.Errorf("browser: layout snapshot: %w", err)
	}
	var snap struct {
		Viewport types.Viewport  `json:"viewport"`
		Nodes    []types.DOMNode `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, types.Viewport{}, fmt.Errorf("browser: layout snapshot: %w", err)
	}
	return snap.Nodes, snap.Viewport, nil
}
